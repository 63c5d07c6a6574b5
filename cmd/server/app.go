package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/phrazzld/dispatchd/internal/config"
	"github.com/phrazzld/dispatchd/internal/events"
	"github.com/phrazzld/dispatchd/internal/platform/logger"
	"github.com/phrazzld/dispatchd/internal/platform/postgres"
	"github.com/phrazzld/dispatchd/internal/retry"
	"github.com/phrazzld/dispatchd/internal/service/auth"
	"github.com/phrazzld/dispatchd/internal/task"
)

// application holds the wired components and shared dependencies.
type application struct {
	config      *config.Config
	logger      *slog.Logger
	db          *sql.DB
	dispatcher  *task.Dispatcher
	emitter     *events.InMemoryEventEmitter
	jwtService  auth.JWTService
	keyVerifier auth.KeyVerifier
}

// initializeApp loads configuration and sets up application components.
func initializeApp() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(logger.Config{Level: cfg.Server.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"max_workers", cfg.Dispatcher.MaxWorkers,
		"durable_store", cfg.Database.URL != "")

	app := &application{
		config: cfg,
		logger: appLogger,
	}

	store, err := app.setupStore()
	if err != nil {
		return nil, err
	}

	app.dispatcher = task.NewDispatcher(
		store,
		retry.Policy{
			Base:           time.Duration(cfg.Dispatcher.BackoffBaseMS) * time.Millisecond,
			Max:            time.Duration(cfg.Dispatcher.BackoffMaxMS) * time.Millisecond,
			JitterFraction: cfg.Dispatcher.JitterFraction,
		},
		task.DispatcherConfig{
			MaxWorkers:    cfg.Dispatcher.MaxWorkers,
			QueueSize:     cfg.Dispatcher.QueueSize,
			LeaseDuration: time.Duration(cfg.Dispatcher.LeaseSeconds) * time.Second,
		},
		appLogger,
	)

	app.emitter = events.NewInMemoryEventEmitter(appLogger)
	app.emitter.RegisterHandler(&taskRequestHandler{
		dispatcher:        app.dispatcher,
		defaultMaxRetries: cfg.Dispatcher.MaxRetries,
	})

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}
	app.keyVerifier = auth.NewBcryptVerifier()

	return app, nil
}

// setupStore selects the task store implementation. A configured database
// URL gives the durable postgres store; otherwise tasks live in memory and
// do not survive restarts.
func (app *application) setupStore() (task.Store, error) {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, using in-memory task store")
		return task.NewMemoryStore(), nil
	}

	db, err := setupDatabase(app.config, app.logger)
	if err != nil {
		return nil, err
	}
	app.db = db

	if err := runMigrations(db, app.logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres.NewTaskStore(db), nil
}

// setupDatabase establishes a connection to the database and configures
// connection pools.
func setupDatabase(cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established")
	return db, nil
}

// cleanup stops background work and releases resources. Called after the
// HTTP server has drained.
func (app *application) cleanup() {
	app.dispatcher.Stop()

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
}

// run starts the dispatcher and serves HTTP until shutdown.
func (app *application) run() error {
	if err := app.dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	return app.startHTTPServer(context.Background(), app.setupRouter())
}

// taskRequestHandler converts task request events into dispatcher
// submissions. It is the internal, programmatic enqueue path; duplicate
// event deliveries are already filtered by the emitter.
type taskRequestHandler struct {
	dispatcher        *task.Dispatcher
	defaultMaxRetries int
}

func (h *taskRequestHandler) HandleEvent(ctx context.Context, event *events.TaskRequestEvent) error {
	record := task.NewRecord(event.Type, event.Payload, h.defaultMaxRetries)
	record.EntityKey = event.EntityKey

	if err := h.dispatcher.Enqueue(ctx, record); err != nil {
		return fmt.Errorf("failed to enqueue task for event %s: %w", event.ID, err)
	}
	return nil
}
