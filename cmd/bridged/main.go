package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/localbridge/bridged/internal/attachments"
	"github.com/localbridge/bridged/internal/config"
	"github.com/localbridge/bridged/internal/contacts"
	"github.com/localbridge/bridged/internal/diagnostics"
	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/httpclient"
	"github.com/localbridge/bridged/internal/lifecycle"
	"github.com/localbridge/bridged/internal/queue"
	"github.com/localbridge/bridged/internal/router"
	"github.com/localbridge/bridged/internal/sendpipeline"
	"github.com/localbridge/bridged/internal/socket"
	"github.com/localbridge/bridged/internal/store"
	"github.com/localbridge/bridged/internal/sync"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "bridged").Logger()

	cfgPath := env("BRIDGED_CONFIG", "")
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Logging.Level != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.Path, store.WithMaxOpenConns(cfg.Database.MaxOpenConn))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer db.Close()

	bus := eventbus.New()

	client := httpclient.New(cfg.Server.Address, httpclient.Options{
		AuthKey:    cfg.Server.AuthKey,
		APIVersion: cfg.Server.APIVersion,
	})

	sock := socket.New(bus, socket.Options{
		Origin:               cfg.Server.Address,
		AuthKey:              cfg.Server.AuthKey,
		EncryptionPassword:   cfg.Server.EncryptionPassword,
		MaxReconnectAttempts: cfg.Server.MaxReconnectAttempts,
	})

	rt := router.New(db, bus)
	resolver := contacts.New(db)
	db.SetContactFallback(resolver.Resolve)
	attachSvc := attachments.New(db, client, bus, cfg.Attachments.CacheDir, cfg.Attachments.MaxConcurrentDownloads)
	pipeline := sendpipeline.New(db, client, bus)
	q := queue.New(pipeline)
	syncer := sync.New(db, client, bus, cfg.Sync)
	counters := diagnostics.NewCounters()

	registry := lifecycle.New()
	registry.Register(lifecycle.NewRunner("socket", sock.Run))
	registry.Register(lifecycle.NewRunner("router", rt.Run))
	registry.Register(lifecycle.NewRunner("attachments", attachSvc.Run))
	registry.Register(lifecycle.NewRunner("queue", func(ctx context.Context) error {
		return q.Run(ctx, 5*time.Second)
	}))
	registry.Register(lifecycle.NewRunner("sync", func(ctx context.Context) error {
		return runSyncLoop(ctx, syncer, resolver, attachSvc, cfg.Attachments)
	}))

	if err := registry.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start components")
	}

	diagSrv := &http.Server{
		Addr:    env("BRIDGED_DIAG_ADDR", "127.0.0.1:8765"),
		Handler: diagnostics.Router(registry, counters, client, sock, db, db),
	}
	go func() {
		log.Info().Str("addr", diagSrv.Addr).Msg("starting diagnostics server")
		if err := diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("diagnostics server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := diagSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("diagnostics server shutdown error")
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("component shutdown error")
	}

	log.Info().Msg("bridged stopped")
}

// runSyncLoop runs one Full sync at startup, then Incremental on a fixed
// interval, relinking contacts after the full pass and after every
// successful incremental pass. Y is launched on-demand per spec §5, but the
// daemon itself is the demand source once per boot plus a steady
// incremental cadence. Each tick whose incremental sync succeeds also
// enforces A's cache age and size budgets, since both are cheap,
// non-blocking housekeeping with no standing loop of their own; a tick
// whose incremental sync fails skips relinking and housekeeping.
func runSyncLoop(ctx context.Context, syncer *sync.Syncer, resolver *contacts.Resolver, attachSvc *attachments.Service, cacheCfg config.AttachmentsSection) error {
	if err := syncer.Full(ctx); err != nil {
		log.Error().Err(err).Msg("initial full sync failed")
	}
	if _, err := resolver.LinkAll(ctx); err != nil {
		log.Warn().Err(err).Msg("contact linking failed after full sync")
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := syncer.Incremental(ctx); err != nil {
				log.Warn().Err(err).Msg("incremental sync failed")
				continue
			}
			if _, err := resolver.LinkAll(ctx); err != nil {
				log.Warn().Err(err).Msg("contact linking failed after incremental sync")
			}
			if cacheCfg.MaxCacheAgeDays > 0 {
				if n, err := attachSvc.CleanupOlderThan(time.Duration(cacheCfg.MaxCacheAgeDays) * 24 * time.Hour); err != nil {
					log.Warn().Err(err).Msg("attachment cache age cleanup failed")
				} else if n > 0 {
					log.Info().Int("removed", n).Msg("attachment cache age cleanup")
				}
			}
			if n, err := attachSvc.EnforceQuota(cacheCfg.MaxCacheBytes); err != nil {
				log.Warn().Err(err).Msg("attachment cache quota enforcement failed")
			} else if n > 0 {
				log.Info().Int("removed", n).Msg("attachment cache quota enforcement")
			}
		}
	}
}
