package domain

import (
	"errors"
	"time"
)

type JobType string

const (
	JobText    JobType = "TEXT"
	JobImage   JobType = "IMAGE"
	JobPublish JobType = "PUBLISH"
)

// JobTypes lists the pipeline stages in order.
var JobTypes = []JobType{JobText, JobImage, JobPublish}

func (t JobType) Valid() bool {
	switch t {
	case JobText, JobImage, JobPublish:
		return true
	}
	return false
}

type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobActive    JobStatus = "ACTIVE"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobRetrying  JobStatus = "RETRYING"
)

// Open reports whether the job still occupies its (title, type) slot.
func (s JobStatus) Open() bool {
	return s == JobQueued || s == JobActive || s == JobRetrying
}

// ReasonSuperseded is recorded on open jobs cancelled by a generate-now request.
const ReasonSuperseded = "superseded"

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotActive = errors.New("job not active")
	ErrLeaseLost    = errors.New("job lease lost")
)

type Job struct {
	ID             string     `db:"id"`
	TitleID        string     `db:"title_id"`
	Type           JobType    `db:"type"`
	Status         JobStatus  `db:"status"`
	Priority       int        `db:"priority"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	RunAt          time.Time  `db:"run_at"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	LeaseToken     *string    `db:"lease_token"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	ClaimedAt      *time.Time `db:"claimed_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// QueueDepth is the number of jobs of one type in one status.
type QueueDepth struct {
	Type   JobType   `db:"type"`
	Status JobStatus `db:"status"`
	Count  int       `db:"count"`
}
