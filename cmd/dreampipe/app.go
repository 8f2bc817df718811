package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"dream_pipeline/internal/config"
	"dream_pipeline/internal/httpapi"
	"dream_pipeline/internal/logging"
	"dream_pipeline/internal/metrics"
	"dream_pipeline/internal/service"
	"dream_pipeline/internal/storage/postgres"
)

// app holds the stores and services every command shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	db       *sqlx.DB

	titles        *postgres.TitleStore
	jobs          *postgres.JobQueue
	settingsStore *postgres.SettingsStore
	txManager     *postgres.TransactionManager
	metrics       *metrics.Collector

	settings *service.SettingsService
	importer *service.ImportService
	admin    *service.AdminService
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog := logging.Setup(cfg.LogLevel, cfg.LogFile)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info("connected to database", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)

	titles := postgres.NewTitleStore(db)
	jobs := postgres.NewJobQueue(db, postgres.QueueConfig{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	})
	settingsStore := postgres.NewSettingsStore(db)
	txManager := postgres.NewTransactionManager(db)
	collector := metrics.NewCollector()

	return &app{
		cfg:           cfg,
		logger:        logger,
		closeLog:      closeLog,
		db:            db,
		titles:        titles,
		jobs:          jobs,
		settingsStore: settingsStore,
		txManager:     txManager,
		metrics:       collector,
		settings:      service.NewSettingsService(settingsStore, logger),
		importer:      service.NewImportService(titles, logger).WithObserver(collector),
		admin:         service.NewAdminService(titles, jobs, txManager, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
	_ = a.closeLog()
}

func (a *app) apiServer() *httpapi.Server {
	return httpapi.NewServer(httpapi.Config{
		Addr:          a.cfg.HTTP.Addr,
		ReadTimeout:   a.cfg.HTTP.ReadTimeout,
		WriteTimeout:  a.cfg.HTTP.WriteTimeout,
		SlowThreshold: a.cfg.HTTP.SlowThreshold,
		Credentials: httpapi.Credentials{
			Username:       a.cfg.Auth.AdminUsername,
			Password:       a.cfg.Auth.AdminPassword,
			InternalSecret: a.cfg.Auth.InternalSecret,
		},
	}, a.importer, a.admin, a.settings, a.settingsStore, a.metrics.Handler(), a.logger)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
