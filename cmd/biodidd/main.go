// Command biodidd serves the biometric enrollment and DID derivation API.
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

	"github.com/kwelivote/biodid-go/internal/config"
	"github.com/kwelivote/biodid-go/internal/server"
	"github.com/kwelivote/biodid-go/internal/storage"
)

// maintenanceInterval paces the sweeps for expired ephemeral state.
const maintenanceInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "biodidd: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	h, err := server.New(cfg, store, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
	}

	go func() {
		logger.Info("biodidd starting", "addr", srv.Addr, "stabilizer", cfg.Stabilizer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go maintenanceLoop(sweepCtx, store, logger)

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
}

// buildStore selects the persistence backend from configuration: Postgres
// when a DSN is set, otherwise in-memory, optionally with a Redis overlay for
// challenge and idempotency traffic.
func buildStore(cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	var store storage.Store
	closeStore := func() {}

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := storage.MigratePostgres(ctx, pg.DB()); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("using postgres storage")
		store = pg
		closeStore = func() {
			if err := pg.Close(); err != nil {
				logger.Warn("postgres close failed", "error", err)
			}
		}
	} else {
		logger.Info("using in-memory storage")
		store = storage.NewMemory()
	}

	if cfg.RedisAddr != "" {
		overlay, err := storage.NewRedisOverlay(store, cfg.RedisAddr)
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis overlay enabled", "addr", cfg.RedisAddr)
		store = overlay
	}

	return store, closeStore, nil
}

// maintenanceLoop periodically reclaims expired challenges, idempotency
// records, and signing keys.
func maintenanceLoop(ctx context.Context, store storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := store.CleanupExpired(sweepCtx, now.UTC()); err != nil {
				logger.Warn("challenge cleanup failed", "error", err)
			}
			if err := store.CleanupExpiredIdempotencyRecords(sweepCtx, now.UTC()); err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
			}
			if err := store.CleanupExpiredSigningKeys(sweepCtx, now.UTC()); err != nil {
				logger.Warn("signing key cleanup failed", "error", err)
			}
			cancel()
		}
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
