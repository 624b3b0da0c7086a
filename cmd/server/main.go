// Flowshelf Server
//
// Features:
// - Workflow library browsing and reorganization over HTTP
// - Preview images that follow their workflows
// - Prometheus metrics & structured logging (zap)
// - Path locking (in-process or Redis)
// - Activity journal (SQLite or PostgreSQL)
// - SSE change feed
// - Mirroring to local or S3 storage
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/api"
	"github.com/fruitsalade/flowshelf/internal/config"
	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/journal"
	"github.com/fruitsalade/flowshelf/internal/locks"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/mirror"
	"github.com/fruitsalade/flowshelf/internal/prefs"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
	"github.com/fruitsalade/flowshelf/internal/storage"
	"github.com/fruitsalade/flowshelf/internal/tree"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Flowshelf server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("root", cfg.WorkflowsRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver, err := sandbox.New(cfg.WorkflowsRoot)
	if err != nil {
		logging.Fatal("workflows root unusable", zap.Error(err))
	}

	// Path locking
	var locker locks.Locker
	switch cfg.LockBackend {
	case "redis":
		rl, err := locks.NewRedis(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			logging.Fatal("redis locker init failed", zap.Error(err))
		}
		defer rl.Close()
		locker = rl
	case "none":
		locker = locks.Nop{}
	default:
		locker = locks.NewLocal()
	}
	logging.Info("path locking initialized", zap.String("backend", cfg.LockBackend))

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	publishers := events.Fanout{broadcaster}

	// Mirror
	if cfg.MirrorBackend != "" {
		backend, err := storage.New(ctx, cfg)
		if err != nil {
			logging.Fatal("mirror backend init failed", zap.Error(err))
		}
		defer backend.Close()

		m := mirror.New(resolver, backend, cfg.MirrorPrefix)
		publishers = append(publishers, m)
		go func() {
			if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error("mirror stopped", zap.Error(err))
			}
		}()
		logging.Info("mirror started",
			zap.String("backend", backend.Type()),
			zap.String("prefix", cfg.MirrorPrefix))
	}

	opts := []tree.Option{
		tree.WithLocker(locker),
		tree.WithPublisher(publishers),
	}

	// Activity journal
	var activity *journal.Journal
	if cfg.JournalDriver != "" {
		activity, err = journal.Open(ctx, cfg.JournalDriver, cfg.JournalDSN)
		if err != nil {
			logging.Fatal("activity journal init failed", zap.Error(err))
		}
		defer activity.Close()
		opts = append(opts, tree.WithRecorder(activity))
		logging.Info("activity journal opened", zap.String("driver", cfg.JournalDriver))
	}

	// Create API server
	srv := api.NewServer(
		tree.New(resolver, opts...),
		tree.NewLister(resolver),
		prefs.New(),
		broadcaster,
		cfg.MaxUploadSize,
	)
	if activity != nil {
		srv.SetActivityLog(activity)
	}

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts derive from ctx so SSE streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
