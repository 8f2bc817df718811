package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dream_pipeline/internal/domain"
)

// FailureHandler records a failed job attempt. When the job fails terminally
// the title is marked FAILED in the same transaction, unless the failure means
// the title is gone or has already moved on to a status the job's stage does
// not act on.
type FailureHandler struct {
	titles    TitleStore
	jobs      JobQueue
	txManager TransactionManager
	logger    *slog.Logger
}

func NewFailureHandler(titles TitleStore, jobs JobQueue, txManager TransactionManager, logger *slog.Logger) *FailureHandler {
	return &FailureHandler{
		titles:    titles,
		jobs:      jobs,
		txManager: txManager,
		logger:    logger.With("component", "failure_handler"),
	}
}

func (f *FailureHandler) Fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	var updated *domain.Job

	err := f.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		if IsPermanent(cause) {
			updated, err = f.jobs.FailPermanently(txCtx, job, cause)
		} else {
			updated, err = f.jobs.Fail(txCtx, job, cause)
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}

		if updated.Status != domain.JobFailed || IsPermanent(cause) {
			return nil
		}
		return f.markTitleFailed(txCtx, job, cause)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (f *FailureHandler) markTitleFailed(ctx context.Context, job *domain.Job, cause error) error {
	titleID := job.TitleID
	title, err := f.titles.GetForUpdate(ctx, titleID)
	if errors.Is(err, domain.ErrTitleNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load title: %w", err)
	}

	if !stageActsOn(job.Type, title.Status) {
		f.logger.Warn("title moved on, leaving status",
			"title_id", titleID,
			"job_id", job.ID,
			"type", job.Type,
			"status", title.Status,
		)
		return nil
	}

	if err := title.TransitionTo(domain.TitleFailed); err != nil {
		f.logger.Warn("title not marked failed", "title_id", titleID, "error", err)
		return nil
	}

	message := cause.Error()
	title.LastError = &message

	if err := f.titles.Update(ctx, title); err != nil {
		return fmt.Errorf("mark title failed: %w", err)
	}
	return nil
}

// stageActsOn reports whether a job of the given stage works on a title in
// status. A title reset by generate-now or requeue no longer belongs to jobs
// of later stages that were still running.
func stageActsOn(jobType domain.JobType, status domain.TitleStatus) bool {
	switch jobType {
	case domain.JobText:
		return status == domain.TitleQueued || status == domain.TitleGenerating
	case domain.JobImage:
		return status == domain.TitleGenerating
	case domain.JobPublish:
		return status == domain.TitleReady
	}
	return false
}
