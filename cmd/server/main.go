package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/tenantshift/tenantshift-api/internal/config"
	"github.com/tenantshift/tenantshift-api/internal/engine"
	"github.com/tenantshift/tenantshift-api/internal/graph"
	"github.com/tenantshift/tenantshift-api/internal/handlers"
	"github.com/tenantshift/tenantshift-api/internal/middleware"
	"github.com/tenantshift/tenantshift-api/internal/migration"
	"github.com/tenantshift/tenantshift-api/internal/notification"
	"github.com/tenantshift/tenantshift-api/internal/repository"
	"github.com/tenantshift/tenantshift-api/internal/routes"
	"github.com/tenantshift/tenantshift-api/internal/temporal"
	"github.com/tenantshift/tenantshift-api/internal/temporal/activities"
	"github.com/tenantshift/tenantshift-api/internal/temporal/workflows"
	"github.com/tenantshift/tenantshift-api/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	tw "go.temporal.io/sdk/worker"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	temporalClient tc.Client
	logger         zerolog.Logger
	notifications  notification.Service
	engine         *engine.Engine
	connector      *graph.Connector
	client         *graph.Client
	jobRepo        repository.JobRepository
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := pingWithRetry(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL)

	// Repositories
	tenantRepo := repository.NewTenantRepository(db)
	jobRepo := repository.NewJobRepository(db, tenantRepo)
	notificationRepo := repository.NewNotificationRepository(db)

	// Initialize notification service, with email delivery when configured.
	var notifiers []notification.Notifier
	if cfg.Email.SMTPHost != "" {
		emailNotifier, err := notification.NewEmailNotifier(cfg.Email, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure email notifier")
		}
		notifiers = append(notifiers, emailNotifier)
	}
	notificationService := notification.NewService(notificationRepo, logger, notifiers...)

	// Directory clients and the migration engine.
	connector := graph.NewConnector(cfg.Graph.Timeout)
	client := graph.NewClient(logger, cfg.Graph.Timeout, cfg.Graph.RequestPause)
	eng := engine.NewEngine(jobRepo, connector, client, logger, cfg.Graph.RequestPause)
	eng.SetStageNotifier(notificationService)

	app := &application{
		config:        cfg,
		db:            db,
		logger:        logger,
		notifications: notificationService,
		engine:        eng,
		connector:     connector,
		client:        client,
		jobRepo:       jobRepo,
	}

	// Initialize Temporal when enabled.
	var temporalWorker tw.Worker
	if cfg.Temporal.Enabled {
		temporalClient, err := tc.Dial(tc.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporal.NewTemporalAdapter(logger),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Unable to create Temporal client")
		}
		defer temporalClient.Close()
		app.temporalClient = temporalClient
		temporalWorker = app.startTemporalWorker(logger)
	}

	// Start the job poller in a separate goroutine.
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	go app.startPoller(pollerCtx)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(logger)(router)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	corsHandler := h.CORS(
		h.AllowedOrigins(origins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, temporalWorker, stopPoller, logger)

	logger.Info().Msg("Application terminated.")
}

func pingWithRetry(db *sql.DB) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	return backoff.Retry(db.Ping, policy)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	tenantRepo := repository.NewTenantRepository(app.db)
	notificationRepo := repository.NewNotificationRepository(app.db)

	authHandler := handlers.NewAuthHandler(app.db, app.config, logger)
	tenantHandler := handlers.NewTenantHandler(tenantRepo, app.connector, app.client, logger)
	jobHandler := handlers.NewJobHandler(app.jobRepo, app.engine, app.connector, app.client, app.notifications, logger)
	notificationHandler := handlers.NewNotificationHandler(notificationRepo, logger)

	return routes.NewRouter(authHandler, tenantHandler, jobHandler, notificationHandler)
}

// startPoller runs the approved-job poller until the context is cancelled.
func (app *application) startPoller(ctx context.Context) {
	cfg := worker.WorkerConfig{
		JobRepo:        app.jobRepo,
		Engine:         app.engine,
		Notifier:       app.notifications,
		PollInterval:   app.config.Worker.PollInterval,
		TemporalClient: app.temporalClient,
	}
	w := worker.NewWorker(cfg, app.logger)
	if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error().Err(err).Msg("job poller stopped")
	}
}

func (app *application) startTemporalWorker(logger zerolog.Logger) tw.Worker {
	activityImpl := &activities.Activities{
		JobRepo:  app.jobRepo,
		Engine:   app.engine,
		Notifier: app.notifications,
	}

	w := tw.New(app.temporalClient, temporal.TaskQueueName, tw.Options{})

	w.RegisterWorkflow(workflows.MigrationWorkflow)
	w.RegisterActivity(activityImpl)

	// Start the worker in a goroutine so it doesn't block.
	go func() {
		logger.Info().Msg("Starting Temporal worker...")
		if err := w.Run(tw.InterruptCh()); err != nil {
			logger.Fatal().Err(err).Msg("Unable to start worker")
		}
	}()

	return w
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, temporalWorker tw.Worker, stopPoller context.CancelFunc, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Stop claiming new jobs before shutting down the server.
	stopPoller()

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	if temporalWorker != nil {
		logger.Info().Msg("Stopping Temporal worker...")
		temporalWorker.Stop()
		logger.Info().Msg("Temporal worker stopped.")
	}
}
