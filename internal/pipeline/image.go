package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dream_pipeline/internal/domain"
)

// ImageHandler attaches an image to a generated title and marks it READY.
// Publishing is left to the planner.
type ImageHandler struct {
	titles    TitleStore
	txManager TransactionManager
	settings  SettingsProvider
	generator ImageGenerator
	timeout   time.Duration
	logger    *slog.Logger
}

func NewImageHandler(
	titles TitleStore,
	txManager TransactionManager,
	settings SettingsProvider,
	generator ImageGenerator,
	timeout time.Duration,
	logger *slog.Logger,
) *ImageHandler {
	return &ImageHandler{
		titles:    titles,
		txManager: txManager,
		settings:  settings,
		generator: generator,
		timeout:   timeout,
		logger:    logger.With("stage", domain.JobImage),
	}
}

func (h *ImageHandler) Type() domain.JobType {
	return domain.JobImage
}

func (h *ImageHandler) Handle(ctx context.Context, job *domain.Job) error {
	title, err := h.titles.GetByID(ctx, job.TitleID)
	if err != nil {
		return err
	}
	if !title.Status.CanTransition(domain.TitleReady) {
		return staleError(domain.JobImage, fmt.Errorf("title is %s", title.Status))
	}

	prompt, err := h.prompt(ctx, title)
	if err != nil {
		return err
	}

	genCtx, cancel := context.WithTimeout(ctx, h.timeout)
	imageURL, err := h.generator.GenerateImage(genCtx, title.Title, prompt)
	cancel()
	if err != nil {
		return &TransientGenerationError{Stage: domain.JobImage, Err: err}
	}

	err = h.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		current, err := h.titles.GetForUpdate(txCtx, job.TitleID)
		if err != nil {
			return err
		}
		if err := current.TransitionTo(domain.TitleReady); err != nil {
			return staleError(domain.JobImage, err)
		}

		current.ImageURL = &imageURL
		if current.ImageAlt == nil || *current.ImageAlt == "" {
			alt := current.Title
			current.ImageAlt = &alt
		}

		if err := h.titles.Update(txCtx, current); err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Info("image attached", "title_id", title.ID, "image_url", imageURL)
	return nil
}

// prompt prefers the hint produced by the text stage over the configured template.
func (h *ImageHandler) prompt(ctx context.Context, title *domain.Title) (string, error) {
	if title.ImagePrompt != nil && *title.ImagePrompt != "" {
		return *title.ImagePrompt, nil
	}
	settings, err := h.settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	return domain.RenderTemplate(settings.Prompts.ImageTemplate, title.Title), nil
}
