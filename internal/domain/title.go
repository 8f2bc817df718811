package domain

import (
	"errors"
	"fmt"
	"time"
)

// TitleStatus is the pipeline position of a title.
type TitleStatus string

const (
	TitleQueued     TitleStatus = "QUEUED"
	TitleGenerating TitleStatus = "GENERATING"
	TitleReady      TitleStatus = "READY"
	TitlePublished  TitleStatus = "PUBLISHED"
	TitleFailed     TitleStatus = "FAILED"
)

// PriorityGenerateNow is applied by the admin "generate now" action.
const PriorityGenerateNow = 10

var (
	ErrTitleNotFound      = errors.New("title not found")
	ErrInvalidTransition  = errors.New("invalid title status transition")
	ErrUnknownTitleStatus = errors.New("unknown title status")
)

// pipelineTransitions lists the moves stage handlers and failure handling may make.
// Moving back to QUEUED is an administrative action and is allowed from anywhere.
var pipelineTransitions = map[TitleStatus][]TitleStatus{
	TitleQueued:     {TitleGenerating, TitleFailed},
	TitleGenerating: {TitleGenerating, TitleReady, TitleFailed},
	TitleReady:      {TitlePublished, TitleFailed},
	TitlePublished:  {},
	TitleFailed:     {},
}

func (s TitleStatus) Valid() bool {
	_, ok := pipelineTransitions[s]
	return ok
}

// Terminal reports whether the status only changes through an admin requeue.
func (s TitleStatus) Terminal() bool {
	return s == TitlePublished || s == TitleFailed
}

// CanTransition reports whether a title may move from s to next.
func (s TitleStatus) CanTransition(next TitleStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == TitleQueued {
		return true
	}
	for _, allowed := range pipelineTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseTitleStatus accepts the stored upper-case form.
func ParseTitleStatus(value string) (TitleStatus, error) {
	s := TitleStatus(value)
	if !s.Valid() {
		return "", ErrUnknownTitleStatus
	}
	return s, nil
}

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Title struct {
	ID               string
	Title            string
	Normalized       string
	Slug             string
	Status           TitleStatus
	Priority         int
	ScheduledFor     *time.Time
	MetaTitle        *string
	MetaDescription  *string
	ContentHTML      *string
	TOC              []string
	RelatedKeywords  []string
	FAQs             []FAQ
	ImagePrompt      *string
	ImageURL         *string
	ImageAlt         *string
	LastError        *string
	LastGenerationAt *time.Time
	PublishedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TransitionTo moves the title to next or returns ErrInvalidTransition.
func (t *Title) TransitionTo(next TitleStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// ApplyDraft copies generated text fields onto the title.
func (t *Title) ApplyDraft(d *Draft) {
	t.MetaTitle = &d.MetaTitle
	t.MetaDescription = &d.MetaDescription
	t.ContentHTML = &d.HTML
	t.TOC = d.TOC
	t.RelatedKeywords = d.RelatedKeywords
	t.FAQs = d.FAQs
	t.ImagePrompt = &d.ImagePrompt
	t.ImageAlt = &d.ImageAlt
}

// Draft is the structured output of the text generation capability.
type Draft struct {
	MetaTitle       string
	MetaDescription string
	HTML            string
	TOC             []string
	RelatedKeywords []string
	FAQs            []FAQ
	ImagePrompt     string
	ImageAlt        string
}

// TitleFilter narrows title listings.
type TitleFilter struct {
	Status *TitleStatus
	// WithoutOpenJob excludes titles that already have a queued, retrying or active job.
	WithoutOpenJob bool
	// DueBy excludes titles whose scheduled_for is later than the given time.
	DueBy *time.Time
	// ByPriority orders by priority and schedule before age.
	ByPriority bool
	Limit      uint64
}

// PublishedEvent is emitted after a title is durably published.
type PublishedEvent struct {
	TitleID     string    `json:"title_id"`
	Title       string    `json:"title"`
	Slug        string    `json:"slug"`
	Path        string    `json:"path"`
	PublishedAt time.Time `json:"published_at"`
}
