package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/adapters/httpapi"
	"github.com/egemennuss/zerenn/internal/adapters/memory"
	"github.com/egemennuss/zerenn/internal/adapters/redis"
	"github.com/egemennuss/zerenn/internal/config"
	"github.com/egemennuss/zerenn/internal/core"
	"github.com/egemennuss/zerenn/internal/presence"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// The shared substrate: in-process by default, Redis when configured.
	var storage core.Storage
	if cfg.RedisAddr != "" {
		hub := redis.NewHub(cfg.RedisAddr)
		if err := hub.Ping(ctx); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		defer hub.Close()
		storage = hub.Storage()
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis substrate")
	} else {
		storage = memory.NewHub().Storage()
	}

	store := presence.NewStore(storage)
	relay := httpapi.NewRelay()

	r := httpapi.SetupRouter(ctx, cfg, store, relay)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Zeren server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
