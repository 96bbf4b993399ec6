// Package main is the entrypoint for the botpaywall edge gate. The gate
// fronts protected origins: it resolves the project for each request host,
// evaluates credentials, and either proxies to the origin or answers with a
// payment challenge. It shares the store and cache with the control plane
// but never mutates project state.
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
	mw "github.com/botpaywall/botpaywall/internal/api/middleware"
	"github.com/botpaywall/botpaywall/internal/audit"
	"github.com/botpaywall/botpaywall/internal/cache"
	"github.com/botpaywall/botpaywall/internal/config"
	"github.com/botpaywall/botpaywall/internal/gate"
	"github.com/botpaywall/botpaywall/internal/ledger"
	"github.com/botpaywall/botpaywall/internal/payment"
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
		slog.Error("gate failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on anything missing or malformed
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "chain_id", cfg.Ledger.ChainID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database. Migrations are the control plane's job; the
	// gate only reads projects and writes admissions and redemptions.
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Ledger client. An unreachable ledger degrades verification to
	// VERIFICATION_PENDING rather than blocking startup, so a failed probe
	// only warns.
	ledgerClient := ledger.NewHTTPClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout)
	if err := ledgerClient.Ready(ctx); err != nil {
		slog.Warn("ledger not reachable at startup", "base_url", cfg.Ledger.BaseURL, "error", err)
	} else {
		slog.Info("ledger reachable", "base_url", cfg.Ledger.BaseURL)
	}

	// 5. Wire the evaluation pipeline
	log := slog.Default()
	pgStore := store.NewPostgresStore(pool)

	enc, err := secret.NewEncryptor(cfg.Secrets.EncryptionKey, cfg.Secrets.AllowPlaintext)
	if err != nil {
		return fmt.Errorf("build secret encryptor: %w", err)
	}

	admissions := allowlist.NewService(pgStore, redisCache, log, cfg.Allowlist.TTL)
	verifier := payment.NewVerifier(pgStore, ledgerClient, log, cfg.Payment.ReservationTTL)
	recorder := audit.NewRecorder(pgStore, log)

	g := gate.New(gate.Config{
		Source: gate.NewProjectSource(pgStore, redisCache, log, cfg.Gate.ProjectCacheTTL),
		Evaluator: gate.NewEvaluator(gate.EvaluatorConfig{
			Admissions:  admissions,
			Verifier:    verifier,
			Cache:       redisCache,
			Encryptor:   enc,
			Audit:       recorder,
			Log:         log,
			ChainID:     cfg.Ledger.ChainID,
			VerifyLimit: cfg.Gate.VerifyRateLimit,
		}),
		Log:             log,
		TrustedIPHeader: cfg.Gate.TrustedIPHeader,
		Challenge: gate.ChallengeConfig{
			Currency:  cfg.Payment.Currency,
			ChainID:   cfg.Ledger.ChainID,
			Network:   cfg.Payment.Network,
			AccessTTL: cfg.Allowlist.TTL,
		},
	})

	handler := mw.RequestID(mw.Logger(mw.Recovery(g.Handler())))

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Gate.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gate listening", "addr", addr, "trusted_ip_header", cfg.Gate.TrustedIPHeader)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gate error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gate shutdown: %w", err)
	}

	slog.Info("gate stopped gracefully")
	return nil
}
