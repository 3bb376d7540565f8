package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"rosterd/internal/audit"
	"rosterd/internal/backup"
	"rosterd/internal/catalog"
	"rosterd/internal/config"
	"rosterd/internal/lockfile"
	"rosterd/internal/logging"
	"rosterd/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"data_dir", cfg.Data.Dir,
		"lock_staleness", cfg.Lock.Staleness,
		"backup_retain", cfg.Backup.Retain,
	)

	backups := backup.NewManager(cfg.Backup.Retain)
	locks := lockfile.NewManager(cfg.Lock.Staleness, cfg.Lock.AcquireWait, cfg.Lock.RetryInterval)

	cat, err := catalog.New(cfg.Data.Dir, backups)
	if err != nil {
		slog.Error("failed to open data directory", "error", err)
		os.Exit(1)
	}
	if entries, lerr := cat.List(); lerr == nil {
		slog.Info("data directory ready", "dir", cfg.Data.Dir, "rosters", len(entries))
	}

	// Audit: always log events; persist them when a store path is configured.
	recorder := audit.Recorder(audit.NewSlog(slog.Default()))
	var events *audit.Store
	if cfg.Audit.Path != "" {
		events, err = audit.OpenStore(cfg.Audit.Path)
		if err != nil {
			slog.Error("failed to open audit store", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		defer events.Close()
		recorder = audit.Multi{recorder, events}
		slog.Info("audit store opened", "path", cfg.Audit.Path)
	}

	server := web.NewServer(web.Deps{
		Catalog:  cat,
		Locks:    locks,
		Backups:  backups,
		Recorder: recorder,
		Events:   events,
	}, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(&cfg.Server); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
