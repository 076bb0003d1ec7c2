package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhir-iq/fpas/internal/config"
	"github.com/fhir-iq/fpas/internal/domain/priorauth"
	"github.com/fhir-iq/fpas/internal/domain/task"
	"github.com/fhir-iq/fpas/internal/payer"
	"github.com/fhir-iq/fpas/internal/pipeline"
	"github.com/fhir-iq/fpas/internal/platform/db"
	"github.com/fhir-iq/fpas/internal/platform/fhirclient"
	"github.com/fhir-iq/fpas/internal/platform/middleware"
	"github.com/fhir-iq/fpas/internal/queue"
	"github.com/fhir-iq/fpas/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fpas-server",
		Short: "FHIR Prior Authorization Service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server with embedded workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(true)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start a worker-only process (no HTTP listener)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(false)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// buildRegistry assembles the vendor registry: the local decision engine is
// always registered, external vendors come from the vendor config file.
// Unknown default vendors fail here, before any request is accepted.
func buildRegistry(cfg *config.Config, engine *priorauth.Engine, logger zerolog.Logger) (*payer.Registry, error) {
	registry := payer.NewRegistry(cfg.DefaultVendors, logger)

	minLatency, maxLatency := cfg.LocalVendorLatency()
	if err := registry.Register(payer.NewLocalAdapter(engine, payer.WithLatency(minLatency, maxLatency))); err != nil {
		return nil, err
	}

	if cfg.VendorConfigFile != "" {
		vendorCfgs, err := payer.LoadVendorFile(cfg.VendorConfigFile)
		if err != nil {
			return nil, err
		}
		for _, vc := range vendorCfgs {
			var adapter payer.Adapter
			switch vc.Protocol {
			case payer.ProtocolX12:
				adapter = payer.NewEDIAdapter(vc.Name, logger)
			default:
				adapter = payer.NewRESTAdapter(vc.Name, logger)
			}
			if err := adapter.Initialize(vc); err != nil {
				return nil, fmt.Errorf("initialize vendor %s: %w", vc.Name, err)
			}
			if err := registry.Register(adapter); err != nil {
				return nil, err
			}
		}
	}

	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

func runServer(withHTTP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store := fhirclient.New(cfg.FHIRBaseURL,
		fhirclient.WithBearerToken(cfg.FHIRToken),
		fhirclient.WithLogger(logger))

	engine, err := priorauth.NewEngine(nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compile clinical rules")
		return err
	}
	generator := priorauth.NewGenerator()

	registry, err := buildRegistry(cfg, engine, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build vendor registry")
		return err
	}
	logger.Info().Strs("vendors", registry.Names()).Msg("vendor registry ready")

	tasks := task.NewService(task.NewTaskRepoPG(pool))

	q := queue.New(queue.NewPGStore(pool), logger, queue.Options{
		Concurrency:        cfg.WorkerConcurrency,
		MaxAttempts:        cfg.JobMaxAttempts,
		PollInterval:       cfg.JobPollInterval(),
		LeaseDuration:      cfg.JobLease(),
		StallInterval:      cfg.JobStallInterval(),
		MaxStalls:          cfg.JobMaxStalls,
		RetentionSucceeded: cfg.RetentionSucceeded,
		RetentionFailed:    cfg.RetentionFailed,
		Retry:              queue.ExponentialBackoff{Base: cfg.JobBackoffBase(), Factor: 2, Max: 5 * time.Minute},
	})

	worker := pipeline.NewWorker(store, registry, generator, tasks, logger)
	if err := q.RegisterHandler(worker); err != nil {
		return err
	}

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		q.Run(ctx)
	}()

	if !withHTTP {
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("worker started")
		<-ctx.Done()
		<-queueDone
		logger.Info().Msg("worker stopped")
		return nil
	}

	svc := pipeline.NewService(store, registry, generator, tasks, q, logger)
	handler := pipeline.NewHandler(svc, tasks, q)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	e.GET("/health", handler.Health)
	e.GET("/health/db", db.HealthHandler(pool))

	fhirGroup := e.Group("/fhir")
	fhirGroup.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	handler.RegisterRoutes(fhirGroup)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-queueDone
	logger.Info().Msg("stopped")
	return nil
}
