// Package worker runs the per-type poll loops that drain the job queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/pipeline"
)

type Queue interface {
	Claim(ctx context.Context, jobType domain.JobType, lease time.Duration) (*domain.Job, error)
	Acknowledge(ctx context.Context, job *domain.Job) error
}

// Failer records a failed attempt and returns the job's new state.
type Failer interface {
	Fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error)
}

type Metrics interface {
	JobClaimed(jobType domain.JobType)
	JobCompleted(jobType domain.JobType, d time.Duration)
	JobFailed(jobType domain.JobType, d time.Duration, terminal bool)
}

type Config struct {
	Concurrency    map[domain.JobType]int
	Lease          time.Duration
	PollInterval   time.Duration
	HandlerTimeout time.Duration
}

// Pool runs Concurrency[type] independent claim/handle/settle loops for every
// registered job type. Loops share nothing but the queue.
type Pool struct {
	queue    Queue
	failer   Failer
	handlers pipeline.Registry
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger
	jitter   func() float64
	wg       sync.WaitGroup
}

func NewPool(queue Queue, failer Failer, handlers pipeline.Registry, metrics Metrics, cfg Config, logger *slog.Logger) *Pool {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Pool{
		queue:    queue,
		failer:   failer,
		handlers: handlers,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		jitter:   rand.Float64,
	}
}

// Run starts the loops and blocks until ctx is cancelled and every in-flight
// job has been settled.
func (p *Pool) Run(ctx context.Context) error {
	started := 0
	for _, jobType := range p.handlers.Types() {
		n := p.cfg.Concurrency[jobType]
		for i := range n {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.loop(ctx, jobType, i)
			}()
		}
		started += n
		p.logger.Info("workers started", "type", jobType, "concurrency", n)
	}
	if started == 0 {
		return errors.New("no workers configured")
	}

	<-ctx.Done()
	p.wg.Wait()
	p.logger.Info("workers stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, jobType domain.JobType, id int) {
	logger := p.logger.With("type", jobType, "worker", id)

	for ctx.Err() == nil {
		processed, err := p.ProcessNext(ctx, jobType)
		if err != nil {
			logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollDelay()):
		}
	}
}

// ProcessNext claims and settles at most one job. It reports whether a job was claimed.
func (p *Pool) ProcessNext(ctx context.Context, jobType domain.JobType) (bool, error) {
	job, err := p.queue.Claim(ctx, jobType, p.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim %s job: %w", jobType, err)
	}
	if job == nil {
		return false, nil
	}
	p.metrics.JobClaimed(jobType)

	logger := p.logger.With(
		"job_id", job.ID,
		"title_id", job.TitleID,
		"type", job.Type,
		"attempt", job.Attempts+1,
	)
	logger.Debug("job claimed")

	// Settling must survive shutdown so a finished handler is never re-run.
	settleCtx := context.WithoutCancel(ctx)

	start := time.Now()
	handleErr := p.handle(settleCtx, job)
	elapsed := time.Since(start)

	if handleErr == nil {
		if err := p.queue.Acknowledge(settleCtx, job); err != nil {
			if errors.Is(err, domain.ErrLeaseLost) {
				logger.Warn("lease lost before acknowledge, result discarded", "duration", elapsed)
				return true, nil
			}
			return true, fmt.Errorf("acknowledge job %s: %w", job.ID, err)
		}
		p.metrics.JobCompleted(jobType, elapsed)
		logger.Info("job completed", "duration", elapsed)
		return true, nil
	}

	failed, err := p.failer.Fail(settleCtx, job, handleErr)
	if errors.Is(err, domain.ErrLeaseLost) {
		logger.Warn("lease lost before failure was recorded", "error", handleErr)
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("record failure of job %s: %w", job.ID, err)
	}
	terminal := failed.Status == domain.JobFailed
	p.metrics.JobFailed(jobType, elapsed, terminal)

	switch {
	case errors.Is(handleErr, pipeline.ErrStaleJob):
		logger.Warn("stale job dropped", "error", handleErr)
	case errors.Is(handleErr, domain.ErrTitleNotFound):
		logger.Error("job references missing title", "error", handleErr)
	case terminal:
		logger.Error("job failed", "error", handleErr, "attempts", failed.Attempts)
	default:
		logger.Warn("job will be retried", "error", handleErr, "attempts", failed.Attempts, "run_at", failed.RunAt)
	}
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job *domain.Job) error {
	handler, err := p.handlers.Get(job.Type)
	if err != nil {
		return err
	}

	handlerCtx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()
	return handler.Handle(handlerCtx, job)
}

// pollDelay spreads idle polls over [interval/2, interval].
func (p *Pool) pollDelay() time.Duration {
	half := p.cfg.PollInterval / 2
	return half + time.Duration(p.jitter()*float64(p.cfg.PollInterval-half))
}

type nopMetrics struct{}

func (nopMetrics) JobClaimed(domain.JobType) {}

func (nopMetrics) JobCompleted(domain.JobType, time.Duration) {}

func (nopMetrics) JobFailed(domain.JobType, time.Duration, bool) {}
