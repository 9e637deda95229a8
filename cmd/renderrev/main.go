// Command renderrev serves a markdown wiki whose rendered output is watched
// for drift: when a page's HTML changes without a source edit (transcluded
// content moved underneath it), a revision is forced into page history.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/renderrev/audit"
	"github.com/hazyhaar/renderrev/convert"
	"github.com/hazyhaar/renderrev/dbopen"
	"github.com/hazyhaar/renderrev/drift"
	"github.com/hazyhaar/renderrev/fingerprint"
	"github.com/hazyhaar/renderrev/page"
	"github.com/hazyhaar/renderrev/render"
	"github.com/hazyhaar/renderrev/watch"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logLevel := env("LOG_LEVEL", "info")
	mcpTransport := env("MCP_TRANSPORT", "")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP stdio owns stdout; logs go to stderr in that mode.
	logOut := os.Stdout
	if mcpTransport == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = LoadConfig(*configPath)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}

	adminPassword := os.Getenv("ADMIN_PASSWORD")
	if adminPassword == "" {
		slog.Error("ADMIN_PASSWORD is required")
		os.Exit(1)
	}
	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("hash admin password", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Page DB.
	pageDB, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(page.Schema))
	if err != nil {
		slog.Error("page db", "error", err)
		os.Exit(1)
	}
	defer pageDB.Close()
	pages := page.NewStore(pageDB)

	// Audit DB.
	auditDB, err := dbopen.Open(cfg.AuditDBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(audit.Schema))
	if err != nil {
		slog.Error("audit db", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()
	auditLog := audit.NewLogger(auditDB)
	if err := audit.Cleanup(ctx, auditDB, cfg.AuditRetentionDays); err != nil {
		slog.Warn("audit cleanup", "error", err)
	}

	// Fingerprint cache.
	fps, err := fingerprint.NewStore(cfg.FingerprintDir, logger)
	if err != nil {
		slog.Error("fingerprint store", "error", err)
		os.Exit(1)
	}

	// Drift engine.
	engine := drift.New(fps, pages, drift.Config{
		MinRevisionInterval: cfg.MinRevisionInterval,
		Logger:              logger,
	}, drift.WithRecorder(auditLog))

	// Render pipeline: observation first, sanitize, drift engine last so it
	// fingerprints the output exactly as served.
	pipeline := render.New(pages, render.Options{
		MaxIncludeDepth: cfg.MaxIncludeDepth,
		Logger:          logger,
	})
	pipeline.Pre(render.ObservationStage(render.FormatHTML))
	pipeline.Post(render.SanitizeStage())
	pipeline.Post(func(ctx context.Context, cycle *drift.Cycle, view drift.View, format string, output []byte) []byte {
		if _, err := engine.Process(ctx, cycle, view, format, output); err != nil {
			// Forced revision failed. Reported, not retried; the page view
			// is served regardless.
			slog.Error("drift: forced revision failed", "page", view.PageID, "error", err)
		}
		return output
	})

	// Fingerprint-cache sweeper: drops records for deleted pages.
	var sweeper *watch.Watcher
	if cfg.Sweep.Enabled {
		sweeper = watch.New(pageDB, watch.Options{
			Interval: cfg.Sweep.Interval,
			Debounce: cfg.Sweep.Debounce,
			Detector: watch.PagesModified,
			Logger:   logger,
		})
		go sweeper.OnChange(ctx, func() error {
			ids, err := pages.List(ctx)
			if err != nil {
				return err
			}
			removed, err := fps.Sweep(ids)
			if err != nil {
				return err
			}
			if removed > 0 {
				slog.Info("fingerprint sweep", "removed", removed)
			}
			return nil
		})
	}

	srv := &server{
		pages:     pages,
		pipeline:  pipeline,
		engine:    engine,
		fps:       fps,
		conv:      convert.New(),
		auditLog:  auditLog,
		sweeper:   sweeper,
		adminHash: adminHash,
	}

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		go func() {
			if err := srv.serveMCP(ctx); err != nil {
				slog.Error("mcp server", "error", err)
			}
		}()
	}

	// HTTP server.
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
