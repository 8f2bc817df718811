package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dream_pipeline/internal/domain"
)

// PublishHandler marks a READY title PUBLISHED and, once that is committed,
// hands a publication event to the dispatcher. Notification outcome never
// affects the job.
type PublishHandler struct {
	titles     TitleStore
	txManager  TransactionManager
	dispatcher Dispatcher
	pathPrefix string
	logger     *slog.Logger
	now        func() time.Time
}

func NewPublishHandler(
	titles TitleStore,
	txManager TransactionManager,
	dispatcher Dispatcher,
	pathPrefix string,
	logger *slog.Logger,
) *PublishHandler {
	return &PublishHandler{
		titles:     titles,
		txManager:  txManager,
		dispatcher: dispatcher,
		pathPrefix: strings.TrimRight(pathPrefix, "/"),
		logger:     logger.With("stage", domain.JobPublish),
		now:        time.Now,
	}
}

func (h *PublishHandler) Type() domain.JobType {
	return domain.JobPublish
}

func (h *PublishHandler) Handle(ctx context.Context, job *domain.Job) error {
	var published *domain.Title

	err := h.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		title, err := h.titles.GetForUpdate(txCtx, job.TitleID)
		if err != nil {
			return err
		}
		if err := title.TransitionTo(domain.TitlePublished); err != nil {
			return staleError(domain.JobPublish, err)
		}

		now := h.now()
		title.PublishedAt = &now

		if err := h.titles.Update(txCtx, title); err != nil {
			return fmt.Errorf("update title: %w", err)
		}
		published = title
		return nil
	})
	if err != nil {
		return err
	}

	event := domain.PublishedEvent{
		TitleID:     published.ID,
		Title:       published.Title,
		Slug:        published.Slug,
		Path:        h.PublicPath(published.Slug),
		PublishedAt: *published.PublishedAt,
	}
	if h.dispatcher != nil {
		h.dispatcher.Dispatch(context.WithoutCancel(ctx), event)
	}

	h.logger.Info("title published", "title_id", published.ID, "path", event.Path)
	return nil
}

// PublicPath returns the site path of a title slug.
func (h *PublishHandler) PublicPath(slug string) string {
	return h.pathPrefix + "/" + slug
}
