package scheduler

import (
	"context"
	"log/slog"
	"time"

	"dream_pipeline/internal/domain"
)

// Planner decides which titles enter the TEXT and PUBLISH queues.
type Planner interface {
	Plan(ctx context.Context) (*domain.PlanStats, error)
}

type QueueStats interface {
	Stats(ctx context.Context) ([]domain.QueueDepth, error)
}

type DepthRecorder interface {
	SetQueueDepth(depth []domain.QueueDepth)
}

type Scheduler struct {
	planner  Planner
	queue    QueueStats
	recorder DepthRecorder
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler runs the planner every interval. queue and recorder may be nil,
// in which case queue depth is not refreshed.
func NewScheduler(planner Planner, queue QueueStats, recorder DepthRecorder, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		planner:  planner,
		queue:    queue,
		recorder: recorder,
		interval: interval,
		timeout:  5 * time.Minute,
		logger:   logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.planner.Plan(tickCtx); err != nil {
		s.logger.Error("planning failed", "error", err)
	}

	if s.queue == nil || s.recorder == nil {
		return
	}
	depth, err := s.queue.Stats(tickCtx)
	if err != nil {
		s.logger.Warn("queue stats failed", "error", err)
		return
	}
	s.recorder.SetQueueDepth(depth)
}
