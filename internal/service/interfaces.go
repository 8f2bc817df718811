package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"encoding/json"
	"time"

	"dream_pipeline/internal/domain"
)

type TitleStore interface {
	ExistingNormalized(ctx context.Context, keys []string) (map[string]bool, error)
	ExistingSlugs(ctx context.Context, bases []string) (map[string]bool, error)
	InsertBatch(ctx context.Context, titles []domain.Title) ([]string, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Title, error)
	Update(ctx context.Context, title *domain.Title) error
	List(ctx context.Context, filter domain.TitleFilter) ([]domain.Title, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobType domain.JobType, titleID string) (bool, error)
	EnqueueAt(ctx context.Context, jobType domain.JobType, titleID string, runAt time.Time, priority int) (bool, error)
	CancelOpen(ctx context.Context, titleID, reason string) (int64, error)
	CountCreatedSince(ctx context.Context, jobType domain.JobType, since time.Time) (int, error)
}

type SettingsStore interface {
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	UpsertMany(ctx context.Context, values map[string]json.RawMessage) (int, error)
}

type SettingsProvider interface {
	Get(ctx context.Context) (*domain.Settings, error)
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
