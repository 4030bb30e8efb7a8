package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkessler/njord/internal"
	"github.com/mkessler/njord/internal/gateway"
	"github.com/mkessler/njord/internal/handler"
	"github.com/mkessler/njord/internal/notify"
	"github.com/mkessler/njord/internal/postgres"
	"github.com/mkessler/njord/internal/reconcile"
	"github.com/mkessler/njord/internal/scheduler"
	"github.com/mkessler/njord/internal/service"
	"github.com/mkessler/njord/internal/telemetry"
	"github.com/mkessler/njord/internal/webhook"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)

	// Initialize payment gateway
	logger.Info("Initializing payment gateway...", "provider", cfg.Gateway.Provider)
	gw, err := gateway.New(gateway.Config{
		Provider: cfg.Gateway.Provider,
		Stripe: gateway.StripeConfig{
			SecretKey:     cfg.Gateway.StripeSecretKey,
			WebhookSecret: cfg.Gateway.StripeWebhookSecret,
		},
		Wompi: gateway.WompiConfig{
			PrivateKey:   cfg.Gateway.WompiPrivateKey,
			EventsSecret: cfg.Gateway.WompiEventsSecret,
		},
		Payu: gateway.PayuConfig{
			APILogin: cfg.Gateway.PayuApiLogin,
			APIKey:   cfg.Gateway.PayuApiKey,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}
	logger.Info("Payment gateway initialized", "provider", gw.Name())

	// Initialize metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry, "njord")

	// Initialize notifier
	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.Alerts.Email {
		emailNotifier, err := notify.NewEmailNotifier(notify.EmailConfig{
			PostmarkToken: cfg.Alerts.PostmarkToken,
			From:          cfg.Alerts.From,
			To:            cfg.Alerts.To,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize email notifier: %w", err)
		}
		notifier = emailNotifier
		logger.Info("Email alerting enabled", "to", cfg.Alerts.To)
	}

	// Initialize subscription state manager
	state := service.NewStateManager(store, gw, notifier, metrics, logger)
	logger.Info("Subscription state manager initialized")

	// Initialize webhook processor
	processor := webhook.NewProcessor(store, gw, state, metrics, logger)

	// Initialize reconciliation engine and schedule its jobs
	engine := reconcile.NewEngine(reconcile.Config{
		MissedPaymentWindow: cfg.Reconcile.MissedPaymentWindow,
		InvoiceWarnAge:      cfg.Reconcile.InvoiceWarnAge,
		InvoiceCriticalAge:  cfg.Reconcile.InvoiceCriticalAge,
		StalePendingAge:     cfg.Reconcile.StalePendingAge,
		GatewayTimeout:      cfg.Reconcile.GatewayTimeout,
		GraceDays:           cfg.Reconcile.GraceDays,
	}, store, gw, state, notifier, metrics, logger)

	sched := scheduler.NewDriver(logger, cfg.Jobs.JobTimeout)
	jobs := []scheduler.Job{
		{Name: reconcile.JobScheduledChanges, Spec: cfg.Jobs.ScheduledChanges, Run: engine.ApplyScheduledChanges},
		{Name: reconcile.JobSyncFlagged, Spec: cfg.Jobs.SyncFlagged, Run: engine.SyncFlagged},
		{Name: reconcile.JobMissedPayments, Spec: cfg.Jobs.MissedPayments, Run: engine.DetectMissedPayments},
		{Name: reconcile.JobInvoiceAging, Spec: cfg.Jobs.InvoiceAging, Run: engine.AgeOpenInvoices},
		{Name: reconcile.JobStalePayments, Spec: cfg.Jobs.StalePayments, Run: engine.ExpireStalePendingPayments},
		{Name: reconcile.JobExpireGrace, Spec: cfg.Jobs.ExpireGrace, Run: engine.ExpireGracePeriods},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
	}
	sched.Start()
	defer func() {
		<-sched.Stop().Done()
	}()
	logger.Info("Reconciliation scheduler started", "jobs", len(jobs))

	// Build HTTP server
	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())

	h := handler.NewHandler(state, processor, logger)
	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Start server with graceful shutdown
	addr := fmt.Sprintf(":%d", cfg.Port)
	go func() {
		logger.Info("Starting server", "address", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
