package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reach-sh/reach/internal/api"
	"github.com/reach-sh/reach/internal/config"
	"github.com/reach-sh/reach/internal/health"
	"github.com/reach-sh/reach/internal/pool"
	"github.com/reach-sh/reach/internal/registry"
	"github.com/reach-sh/reach/internal/store"
	"github.com/reach-sh/reach/internal/tunnel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Msg("Starting reach-server")

	if err := os.MkdirAll(cfg.TunnelDataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.TunnelDataDir).Msg("Failed to create data directory")
	}

	historyStore, err := store.Open(filepath.Join(cfg.TunnelDataDir, "history.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open command history store")
	}
	defer historyStore.Close()

	events := api.NewEventBus()

	// Pool and Monitor both need to look identities up through the
	// Registry (tunnel_port, Disconnect), and the Registry needs to evict
	// through both of them at swap time — built in this order to wire the
	// cycle without either package importing the other.
	reg := registry.New(nil, nil, events)
	connPool := pool.New(reg)
	monitor := health.New(connPool, reg, time.Duration(cfg.HeartbeatInterval)*time.Second, cfg.FailureThreshold)
	reg.Pool = connPool
	reg.Health = monitor

	tunnelServer := &tunnel.Server{
		DataDir:    cfg.TunnelDataDir,
		ListenAddr: cfg.TunnelListenAddr,
		Registrar:  reg,
		Hooks:      reg,
		Ports:      tunnel.NewPortAllocator(cfg.TunnelPortStart, cfg.TunnelPortEnd),
		Sessions:   tunnel.NewRegistry(),
	}

	apiServer := api.New(cfg, reg, connPool, historyStore, events, cfg.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx, reg.OnlineUUIDs)
	go runRetentionPurge(ctx, historyStore, cfg.HistoryRetentionDays)

	go func() {
		if err := tunnelServer.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("SSH tunnel listener error")
		}
	}()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down reach-server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	log.Info().Msg("reach-server exited")
}

// runRetentionPurge implements SPEC_FULL.md §7's supplemented retention
// sweep: once a day, drop command_history rows older than the configured
// window.
func runRetentionPurge(ctx context.Context, st *store.Store, days int) {
	if days <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeOlderThan(days)
			if err != nil {
				log.Error().Err(err).Msg("retention purge failed")
				continue
			}
			log.Info().Int64("rows_deleted", n).Int("retention_days", days).Msg("retention purge complete")
		}
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
