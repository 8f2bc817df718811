package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dream_pipeline/internal/domain"
)

// ReasonInFlight is reported when generate-now finds a text job already running.
const ReasonInFlight = "in_flight"

type GenerateNowResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// AdminService implements the administrative pipeline restarts.
type AdminService struct {
	titles    TitleStore
	jobs      JobQueue
	txManager TransactionManager
	logger    *slog.Logger
	now       func() time.Time
}

func NewAdminService(titles TitleStore, jobs JobQueue, txManager TransactionManager, logger *slog.Logger) *AdminService {
	return &AdminService{
		titles:    titles,
		jobs:      jobs,
		txManager: txManager,
		logger:    logger.With("component", "admin"),
		now:       time.Now,
	}
}

// GenerateNow restarts the pipeline for a title. Queued and retrying jobs of the
// title are superseded, the title is reset to QUEUED with elevated priority and
// a TEXT job is enqueued, all in one transaction. Jobs already ACTIVE keep their
// lease; a running TEXT job prevents the new one and is reported as in flight.
func (s *AdminService) GenerateNow(ctx context.Context, titleID string) (*GenerateNowResult, error) {
	result := &GenerateNowResult{}

	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		title, err := s.titles.GetForUpdate(txCtx, titleID)
		if err != nil {
			return err
		}

		cancelled, err := s.jobs.CancelOpen(txCtx, titleID, domain.ReasonSuperseded)
		if err != nil {
			return fmt.Errorf("cancel open jobs: %w", err)
		}

		now := s.now()
		if err := s.reset(title, domain.PriorityGenerateNow, &now); err != nil {
			return err
		}
		if err := s.titles.Update(txCtx, title); err != nil {
			return fmt.Errorf("update title: %w", err)
		}

		queued, err := s.jobs.EnqueueAt(txCtx, domain.JobText, titleID, now, domain.PriorityGenerateNow)
		if err != nil {
			return fmt.Errorf("enqueue text job: %w", err)
		}

		result.Queued = queued
		if !queued {
			result.Reason = ReasonInFlight
		}

		s.logger.Info("generate now",
			"title_id", titleID,
			"queued", queued,
			"superseded_jobs", cancelled,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Requeue moves a title back to QUEUED with the given priority and leaves
// scheduling to the planner. Pending jobs of other stages are superseded.
func (s *AdminService) Requeue(ctx context.Context, titleID string, priority int) error {
	return s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		title, err := s.titles.GetForUpdate(txCtx, titleID)
		if err != nil {
			return err
		}

		if _, err := s.jobs.CancelOpen(txCtx, titleID, domain.ReasonSuperseded); err != nil {
			return fmt.Errorf("cancel open jobs: %w", err)
		}

		previous := title.Status
		if err := s.reset(title, priority, nil); err != nil {
			return err
		}
		if err := s.titles.Update(txCtx, title); err != nil {
			return fmt.Errorf("update title: %w", err)
		}

		s.logger.Info("title requeued", "title_id", titleID, "priority", priority, "previous_status", previous)
		return nil
	})
}

func (s *AdminService) reset(title *domain.Title, priority int, scheduledFor *time.Time) error {
	if err := title.TransitionTo(domain.TitleQueued); err != nil {
		return err
	}
	title.Priority = priority
	title.ScheduledFor = scheduledFor
	title.LastError = nil
	return nil
}
