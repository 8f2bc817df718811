package pipeline

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"dream_pipeline/internal/domain"
)

type TitleStore interface {
	GetByID(ctx context.Context, id string) (*domain.Title, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Title, error)
	Update(ctx context.Context, title *domain.Title) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, titleID string) (bool, error)
	Fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error)
	FailPermanently(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type SettingsProvider interface {
	Get(ctx context.Context) (*domain.Settings, error)
}

// TextGenerator produces the article draft for a title.
type TextGenerator interface {
	GenerateText(ctx context.Context, title string, prompts domain.PromptSettings) (*domain.Draft, error)
}

// ImageGenerator returns the URL of an image for a title.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, title, prompt string) (string, error)
}

// Dispatcher delivers publication events after the publish commit.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.PublishedEvent)
}
