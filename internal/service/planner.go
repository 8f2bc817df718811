package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dream_pipeline/internal/domain"
)

// Planner feeds QUEUED titles into the TEXT queue at the configured daily rate
// and releases READY titles to the PUBLISH queue at the configured times of day.
type Planner struct {
	titles   TitleStore
	jobs     JobQueue
	settings SettingsProvider
	logger   *slog.Logger
	now      func() time.Time
}

func NewPlanner(titles TitleStore, jobs JobQueue, settings SettingsProvider, logger *slog.Logger) *Planner {
	return &Planner{
		titles:   titles,
		jobs:     jobs,
		settings: settings,
		logger:   logger.With("component", "planner"),
		now:      time.Now,
	}
}

func (p *Planner) Plan(ctx context.Context) (*domain.PlanStats, error) {
	startTime := time.Now()

	settings, err := p.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	now := p.now()
	loc := settings.Scheduler.Location()
	midnight := startOfDay(now, loc)
	stats := &domain.PlanStats{}

	stats.TextEnqueued, err = p.feed(ctx, settings.Scheduler.RatePerDay, now, midnight)
	if err != nil {
		return stats, fmt.Errorf("feed text queue: %w", err)
	}

	allowance := PublishAllowance(settings.Scheduler.PublishTimes, settings.Limits.DailyMax, now.In(loc))
	stats.PublishEnqueued, err = p.release(ctx, allowance, midnight)
	if err != nil {
		return stats, fmt.Errorf("release publish queue: %w", err)
	}

	stats.Duration = time.Since(startTime)
	if stats.TextEnqueued > 0 || stats.PublishEnqueued > 0 {
		p.logger.Info("planning completed",
			"text_enqueued", stats.TextEnqueued,
			"publish_enqueued", stats.PublishEnqueued,
			"duration", stats.Duration,
		)
	}
	return stats, nil
}

func (p *Planner) feed(ctx context.Context, ratePerDay int, now, midnight time.Time) (int, error) {
	started, err := p.jobs.CountCreatedSince(ctx, domain.JobText, midnight)
	if err != nil {
		return 0, err
	}
	remaining := ratePerDay - started
	if remaining <= 0 {
		return 0, nil
	}

	titles, err := p.titles.List(ctx, domain.TitleFilter{
		Status:         statusPtr(domain.TitleQueued),
		WithoutOpenJob: true,
		DueBy:          &now,
		ByPriority:     true,
		Limit:          uint64(remaining),
	})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, t := range titles {
		ok, err := p.jobs.EnqueueAt(ctx, domain.JobText, t.ID, time.Time{}, t.Priority)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

func (p *Planner) release(ctx context.Context, allowance int, midnight time.Time) (int, error) {
	if allowance <= 0 {
		return 0, nil
	}

	released, err := p.jobs.CountCreatedSince(ctx, domain.JobPublish, midnight)
	if err != nil {
		return 0, err
	}
	remaining := allowance - released
	if remaining <= 0 {
		return 0, nil
	}

	titles, err := p.titles.List(ctx, domain.TitleFilter{
		Status:         statusPtr(domain.TitleReady),
		WithoutOpenJob: true,
		Limit:          uint64(remaining),
	})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, t := range titles {
		ok, err := p.jobs.Enqueue(ctx, domain.JobPublish, t.ID)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

// PublishAllowance returns how many titles may have been released for
// publishing by localNow: one per publish time already passed today, never
// more than dailyMax. Malformed times are ignored.
func PublishAllowance(publishTimes []string, dailyMax int, localNow time.Time) int {
	minute := localNow.Hour()*60 + localNow.Minute()
	passed := 0
	for _, t := range publishTimes {
		at, err := domain.ParseClock(t)
		if err != nil {
			continue
		}
		if at <= minute {
			passed++
		}
	}
	return min(passed, dailyMax)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func statusPtr(s domain.TitleStatus) *domain.TitleStatus {
	return &s
}
