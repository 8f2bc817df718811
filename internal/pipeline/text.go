package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dream_pipeline/internal/domain"
)

// TextHandler generates the article for a title, moves it to GENERATING and
// enqueues its IMAGE job in the same transaction.
type TextHandler struct {
	titles    TitleStore
	jobs      JobQueue
	txManager TransactionManager
	settings  SettingsProvider
	generator TextGenerator
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewTextHandler(
	titles TitleStore,
	jobs JobQueue,
	txManager TransactionManager,
	settings SettingsProvider,
	generator TextGenerator,
	timeout time.Duration,
	logger *slog.Logger,
) *TextHandler {
	return &TextHandler{
		titles:    titles,
		jobs:      jobs,
		txManager: txManager,
		settings:  settings,
		generator: generator,
		timeout:   timeout,
		logger:    logger.With("stage", domain.JobText),
		now:       time.Now,
	}
}

func (h *TextHandler) Type() domain.JobType {
	return domain.JobText
}

func (h *TextHandler) Handle(ctx context.Context, job *domain.Job) error {
	title, err := h.titles.GetByID(ctx, job.TitleID)
	if err != nil {
		return err
	}
	if !title.Status.CanTransition(domain.TitleGenerating) {
		return staleError(domain.JobText, fmt.Errorf("title is %s", title.Status))
	}

	settings, err := h.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, h.timeout)
	draft, err := h.generator.GenerateText(genCtx, title.Title, settings.Prompts)
	cancel()
	if err != nil {
		return &TransientGenerationError{Stage: domain.JobText, Err: err}
	}

	err = h.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		current, err := h.titles.GetForUpdate(txCtx, job.TitleID)
		if err != nil {
			return err
		}
		if err := current.TransitionTo(domain.TitleGenerating); err != nil {
			return staleError(domain.JobText, err)
		}

		now := h.now()
		current.ApplyDraft(draft)
		current.LastGenerationAt = &now
		current.LastError = nil

		if err := h.titles.Update(txCtx, current); err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		if _, err := h.jobs.Enqueue(txCtx, domain.JobImage, current.ID); err != nil {
			return fmt.Errorf("enqueue image job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("text generated", "title_id", title.ID, "slug", title.Slug)
	return nil
}
