// Package main is the entrypoint for the botpaywall control-plane API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/botpaywall/botpaywall/internal/allowlist"
	"github.com/botpaywall/botpaywall/internal/api"
	"github.com/botpaywall/botpaywall/internal/api/handler"
	mw "github.com/botpaywall/botpaywall/internal/api/middleware"
	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/cache"
	"github.com/botpaywall/botpaywall/internal/config"
	"github.com/botpaywall/botpaywall/internal/secret"
	"github.com/botpaywall/botpaywall/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on anything missing or malformed
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Shared services
	log := slog.Default()
	pgStore := store.NewPostgresStore(pool)

	enc, err := secret.NewEncryptor(cfg.Secrets.EncryptionKey, cfg.Secrets.AllowPlaintext)
	if err != nil {
		return fmt.Errorf("build secret encryptor: %w", err)
	}

	admissions := allowlist.NewService(pgStore, redisCache, log, cfg.Allowlist.TTL)
	recorder := audit.NewRecorder(pgStore, log)
	deployer := handler.NewLogDeployer(log)

	// 6. Background workers: allowlist expiry sweeper and audit outbox drain
	sweeper := allowlist.NewSweeper(pgStore, log, cfg.Allowlist.TTL, cfg.Allowlist.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	publisher, err := auditPublisher(cfg.Audit, log)
	if err != nil {
		return fmt.Errorf("build audit publisher: %w", err)
	}
	defer publisher.Close()

	auditWorker := audit.NewWorker(pgStore, publisher, log,
		cfg.Audit.PollInterval, cfg.Audit.ClaimTTL, cfg.Audit.BatchSize)
	auditWorker.Start()
	defer auditWorker.Stop()

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Server.AdminToken),
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		CreateProject:   handler.NewCreateProjectHandler(pgStore, enc, recorder),
		ListProjects:    handler.NewListProjectsHandler(pgStore, enc),
		GetProject:      handler.NewGetProjectHandler(pgStore, enc),
		ActivateProject: handler.NewActivateProjectHandler(pgStore, enc, recorder),
		ProtectProject:  handler.NewProtectProjectHandler(pgStore, enc, deployer, recorder),
		RotateSecret:    handler.NewRotateSecretHandler(pgStore, enc, deployer, recorder),

		AdmitIdentifier:  handler.NewAdmitHandler(pgStore, admissions, recorder),
		ListAllowlist:    handler.NewListAllowlistHandler(admissions),
		CheckAccess:      handler.NewCheckAccessHandler(admissions),
		RevokeIdentifier: handler.NewRevokeHandler(admissions, recorder),
		SweepAllowlist:   handler.NewSweepHandler(sweeper, recorder),

		PaymentInfo: handler.NewPaymentInfoHandler(pgStore, handler.PaymentInfoConfig{
			Currency:  cfg.Payment.Currency,
			ChainID:   cfg.Ledger.ChainID,
			Network:   cfg.Payment.Network,
			AccessTTL: cfg.Allowlist.TTL,
		}),
		ListRedemptions: handler.NewListRedemptionsHandler(pgStore, pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// auditPublisher picks the audit sink: Kafka when brokers are configured,
// the structured log otherwise.
func auditPublisher(cfg config.AuditConfig, log *slog.Logger) (audit.Publisher, error) {
	if len(cfg.KafkaBrokers) > 0 {
		return audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	return audit.NewLogPublisher(log), nil
}
