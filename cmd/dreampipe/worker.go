package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"dream_pipeline/internal/config"
	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/generator"
	"dream_pipeline/internal/pipeline"
	"dream_pipeline/internal/publisher"
	"dream_pipeline/internal/scheduler"
	"dream_pipeline/internal/service"
	"dream_pipeline/internal/worker"
)

func newWorkerCommand(configPath *string) *cobra.Command {
	var withAPI bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the stage workers and the planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runWorker(a, withAPI)
		},
	}

	cmd.Flags().BoolVar(&withAPI, "with-api", false, "Serve the admin API from the worker process")
	return cmd
}

func runWorker(a *app, withAPI bool) error {
	cfg := a.cfg
	logger := a.logger

	textGen, imageGen, err := newGenerators(cfg.Generator, logger)
	if err != nil {
		return err
	}

	notifiers := []publisher.Notifier{
		publisher.NewRevalidator(cfg.App.BaseURL, cfg.Auth.InternalSecret, cfg.Notify.Timeout, logger),
	}
	if cfg.RabbitMQ.Enabled {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return err
		}
		defer rabbitMQ.Close()
		notifiers = append(notifiers, rabbitMQ)
	}

	dispatcher := publisher.NewDispatcher(publisher.DispatcherConfig{
		Timeout:        cfg.Notify.Timeout,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialBackoff: cfg.Notify.InitialBackoff,
	}, a.metrics, logger, notifiers...)

	registry := pipeline.NewRegistry(
		pipeline.NewTextHandler(a.titles, a.jobs, a.txManager, a.settings, textGen, cfg.Generator.Timeout, logger),
		pipeline.NewImageHandler(a.titles, a.txManager, a.settings, imageGen, cfg.Generator.Timeout, logger),
		pipeline.NewPublishHandler(a.titles, a.txManager, dispatcher, cfg.App.PublicPathPrefix, logger),
	)
	failures := pipeline.NewFailureHandler(a.titles, a.jobs, a.txManager, logger)

	pool := worker.NewPool(a.jobs, failures, registry, a.metrics, worker.Config{
		Concurrency: map[domain.JobType]int{
			domain.JobText:    cfg.Workers.Text,
			domain.JobImage:   cfg.Workers.Image,
			domain.JobPublish: cfg.Workers.Publish,
		},
		Lease:          cfg.Queue.Lease,
		PollInterval:   cfg.Queue.PollInterval,
		HandlerTimeout: cfg.Workers.HandlerTimeout,
	}, logger)

	planner := service.NewPlanner(a.titles, a.jobs, a.settings, logger)
	sched := scheduler.NewScheduler(planner, a.jobs, a.metrics, cfg.Scheduler.Interval, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	logger.Info("starting dream pipeline worker",
		"text_workers", cfg.Workers.Text,
		"image_workers", cfg.Workers.Image,
		"publish_workers", cfg.Workers.Publish,
		"generator", cfg.Generator.Provider,
		"rabbitmq", cfg.RabbitMQ.Enabled,
	)

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	run("workers", pool.Run)
	run("scheduler", func(ctx context.Context) error {
		return runScheduler(ctx, sched, cfg.Scheduler.LockPath, logger)
	})
	if withAPI {
		run("api", a.apiServer().Run)
	}

	wg.Wait()
	dispatcher.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	logger.Info("dream pipeline worker stopped")
	return errors.Join(errs...)
}

// runScheduler plans only while holding the scheduler lock, so several worker
// processes can share one database without double planning.
func runScheduler(ctx context.Context, sched *scheduler.Scheduler, lockPath string, logger *slog.Logger) error {
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		logger.Info("scheduler lock held by another process, running workers only", "lock", lockPath)
		<-ctx.Done()
		return nil
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release scheduler lock", "error", err)
		}
	}()

	return sched.Start(ctx)
}

func newGenerators(cfg config.GeneratorConfig, logger *slog.Logger) (pipeline.TextGenerator, pipeline.ImageGenerator, error) {
	image := generator.NewPlaceholderImage(logger)
	if cfg.Provider == config.ProviderPlaceholder {
		return generator.NewPlaceholderText(logger), image, nil
	}

	model, err := generator.NewModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	return generator.NewLLMText(model, cfg.Model, logger), image, nil
}
