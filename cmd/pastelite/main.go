package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/kms"
	"pastelite/svc/api"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(probe())
	}

	util.InitLog("info", false)
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("driver", c.StoreDriver).Bool("test_mode", c.TestMode).Msg("starting pastelite")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var adapter *kms.Adapter
	if c.SealContent || c.DatabaseURLSecret != "" {
		adapter, err = kms.NewAdapter(ctx)
		switch {
		case errors.Is(err, kms.ErrNoProvider) && c.Environment != "production":
			util.Warn().Msg("no KMS provider configured, pastes are stored unsealed")
		case err != nil:
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		default:
			util.Info().Str("provider", adapter.Name()).Msg("KMS adapter initialized")
		}
	}

	dsn := c.DatabaseURL.Value()
	if c.StoreDriver == cfg.DriverPostgres && c.DatabaseURLSecret != "" {
		if adapter == nil {
			util.Fatal().Msg("DATABASE_URL_SECRET set but no secret provider is configured")
		}
		dsn, err = adapter.GetSecret(ctx, c.DatabaseURLSecret)
		if err != nil {
			util.Fatal().Err(err).Str("secret", c.DatabaseURLSecret).Msg("failed to resolve database url")
		}
	}

	store, err := db.Open(ctx, c, dsn)
	if err != nil {
		util.Fatal().Err(err).Str("driver", c.StoreDriver).Msg("failed to open record store")
	}
	util.Info().Str("driver", c.StoreDriver).Str("target", storeTarget(c)).Msg("record store ready")

	walDone := make(chan struct{})
	if sqlite, ok := store.(*db.SQLite); ok {
		go func() {
			defer close(walDone)
			sqlite.StartWALMaintenance(ctx)
		}()
		util.Info().Msg("WAL maintenance worker started")
	} else {
		close(walDone)
	}

	tombstones, err := cache.NewTombstones(c.TombstoneCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create tombstone cache")
	}

	var sealer *kms.Sealer
	if c.SealContent && adapter != nil {
		sealer = kms.NewSealer(adapter, c.KEKCacheTTL)
	}
	pasteSvc := svc.NewPaste(store, tombstones, sealer, c)
	util.Info().Str("sealing", pasteSvc.Sealing()).Msg("paste service initialized")

	if err := pasteSvc.StartSweeper(ctx, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start sweeper")
	}

	server, err := api.NewServer(c, pasteSvc)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to build server")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			util.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pasteSvc.Shutdown()
	cancel()
	select {
	case <-walDone:
	case <-shutdownCtx.Done():
		util.Warn().Msg("WAL maintenance did not stop in time")
	}
	if err := store.Close(); err != nil {
		util.Error().Err(err).Msg("record store close error")
	}
	util.Info().Msg("shutdown complete")
}

// probe asks the running server for liveness. Used as a container health check.
func probe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func storeTarget(c *cfg.Cfg) string {
	switch c.StoreDriver {
	case cfg.DriverSQLite:
		return c.DatabasePath
	case cfg.DriverRedis:
		return util.RedactURL(c.RedisURL)
	default:
		return "postgres"
	}
}
