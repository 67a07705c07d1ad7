package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"collab/engine/internal/app"
	"collab/engine/internal/bus"
	"collab/engine/internal/config"
	"collab/engine/internal/conflict"
	"collab/engine/internal/document"
	"collab/engine/internal/gitrepo"
	"collab/engine/internal/history"
	"collab/engine/internal/presence"
	"collab/engine/internal/schema"
	"collab/engine/internal/search"
	"collab/engine/internal/storage"
)

func main() {
	cfg, err := config.Load().LoadFile()
	level := new(slog.LevelVar)
	level.Set(cfg.Level())
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if err != nil {
		fatal(logger, "config file failed", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.StorageDSN)
	if err != nil {
		fatal(logger, "storage connection failed", err)
	}
	defer store.Close()
	checks := map[string]app.Checker{}
	if p, ok := store.(storage.Pinger); ok {
		checks["storage"] = p
	}

	var eventBus bus.Bus
	var presenceMirror presence.Mirror
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBus, err := bus.NewRedis(cfg.RedisURL, logger)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisBus.Close()
		checks["bus"] = redisBus
		eventBus = redisBus

		mirror, err := presence.NewRedisMirror(cfg.RedisURL, cfg.PresenceTimeout)
		if err != nil {
			fatal(logger, "presence mirror failed", err)
		}
		defer mirror.Close()
		presenceMirror = mirror
	} else {
		logger.Info("no redis configured, using the in-process bus")
		memoryBus := bus.NewMemory()
		defer memoryBus.Close()
		eventBus = memoryBus
	}

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	// The scan only reads, so it gets its own manager over the same store.
	scan := search.NewHistoryScan(history.NewManager(store, history.Options{Logger: logger}))
	searchService := search.NewService(meili, scan, logger)

	historyOpts := history.Options{Logger: logger, Indexer: searchService}
	if dir := strings.TrimSpace(cfg.GitMirrorDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatal(logger, "failed to create git mirror dir", err)
		}
		historyOpts.Mirror = gitrepo.New(dir)
	}
	manager := history.NewManager(store, historyOpts)

	registry, err := schema.DefaultRegistry()
	if err != nil {
		fatal(logger, "schema registry failed", err)
	}
	registry.SetLogger(logger)

	policy, err := history.CompilePolicy(cfg.SnapshotPolicy)
	if err != nil {
		fatal(logger, "snapshot policy invalid", err)
	}

	service, err := app.New(app.Options{
		Actor:            document.ActorID(cfg.ActorID),
		Bus:              eventBus,
		Codec:            schema.NewCodec(registry),
		History:          manager,
		Search:           searchService,
		PresenceMirror:   presenceMirror,
		PresenceTimeout:  cfg.PresenceTimeout,
		SweepInterval:    cfg.SweepInterval,
		SnapshotPolicy:   policy,
		SnapshotInterval: cfg.SnapshotInterval,
		Strategy:         conflict.Strategy(cfg.ConflictStrategy),
		Checks:           checks,
		Logger:           logger,
	})
	if err != nil {
		fatal(logger, "service init failed", err)
	}
	go service.RunSnapshots(ctx)

	if cfg.ConfigFile != "" {
		err := config.Watch(ctx, cfg.ConfigFile, logger, func(o config.Overlay) {
			next := cfg.Apply(o)
			level.Set(next.Level())
			if next.SnapshotPolicy == service.SnapshotPolicy().String() {
				return
			}
			p, err := history.CompilePolicy(next.SnapshotPolicy)
			if err != nil {
				logger.Warn("snapshot policy rejected", "component", "config", "err", err)
				return
			}
			service.SetSnapshotPolicy(p)
		})
		if err != nil {
			logger.Warn("config watch disabled", "component", "config", "err", err)
		}
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("collab replica listening", "addr", cfg.Addr, "actor", cfg.ActorID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("service shutdown error", "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
