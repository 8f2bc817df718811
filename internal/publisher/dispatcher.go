package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dream_pipeline/internal/domain"
)

// Notifier delivers a publication event to one downstream system.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event domain.PublishedEvent) error
}

type FailureRecorder interface {
	NotifyFailed(notifier string)
}

type DispatcherConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

// Dispatcher fans publication events out to every notifier in the background.
// Each notifier gets its own timeout and a bounded number of attempts; the
// final failure is logged and counted, never returned.
type Dispatcher struct {
	notifiers []Notifier
	cfg       DispatcherConfig
	failures  FailureRecorder
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, failures FailureRecorder, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		cfg:       cfg,
		failures:  failures,
		logger:    logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event domain.PublishedEvent) {
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ctx, n, event)
		}()
	}
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, event domain.PublishedEvent) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		callCtx := ctx
		if d.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
		}
		return n.Notify(callCtx, event)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("notification failed, retrying",
			"notifier", n.Name(),
			"title_id", event.TitleID,
			"attempt", attempt,
			"backoff", wait,
			"error", err,
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		d.logger.Error("notification failed",
			"notifier", n.Name(),
			"title_id", event.TitleID,
			"path", event.Path,
			"attempts", attempt,
			"error", err,
		)
		if d.failures != nil {
			d.failures.NotifyFailed(n.Name())
		}
	}
}
