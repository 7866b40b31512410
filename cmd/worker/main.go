package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"upload-dispatcher/internal/api"
	"upload-dispatcher/internal/app"
	"upload-dispatcher/internal/browser"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/driver"
	"upload-dispatcher/internal/logging"
	"upload-dispatcher/internal/media"
	"upload-dispatcher/internal/pool"
	"upload-dispatcher/internal/ratelimit"
	workerproc "upload-dispatcher/internal/worker"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run the upload dispatch worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default ./config.yaml or ./data/config.yaml)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Migrate(ctx); err != nil {
		return err
	}

	nodeID := app.NodeID(cfg)
	if cfg.Worker.ID == "" {
		cfg.Worker.ID = nodeID
	}
	log = log.With(zap.String("node", nodeID))

	bp := pool.New(cfg.Pool, nodeID, browser.Provider{Manager: a.Browser}, a.Locker, a.Repo, log)
	if n, err := bp.Recover(ctx); err != nil {
		log.Warn("recover browser pool", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered browser instances", zap.Int("count", n))
	}
	bp.Prewarm(ctx)

	stager, err := media.NewStager(ctx, cfg.Media, log)
	if err != nil {
		return err
	}
	drv := driver.NewHTTPDriver(cfg.Driver.URL, log)
	defer func() { _ = drv.Close() }()

	var limiter *ratelimit.TokenBucket
	if cfg.Worker.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(a.Redis, cfg.Worker.RateLimitCapacity, cfg.Worker.RateLimitRefill, time.Hour)
	}

	proc := workerproc.NewProcessor(cfg, workerproc.Deps{
		Queue:    a.Queue,
		Tasks:    a.Tasks,
		Accounts: a.Accounts,
		Pool:     bp,
		Driver:   drv,
		Limiter:  limiter,
		Media:    stager,
	}, log)
	maint, err := workerproc.NewMaintenance(cfg, a.Locker, a.Tasks, a.Accounts, log)
	if err != nil {
		return err
	}

	ops := api.New(api.Deps{
		Tasks:    a.Tasks,
		Accounts: a.Accounts,
		Pool:     bp,
		Queue:    a.Queue,
		Ping:     a.Ping,
	}, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.OpsAddr,
		Handler:           ops.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return bp.Run(gctx) })
	g.Go(func() error { return maint.Run(gctx) })
	g.Go(func() error {
		log.Info("ops server listening", zap.String("addr", cfg.HTTP.OpsAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		zap.String("worker_id", proc.ID()),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Duration("upload_timeout", cfg.Worker.UploadTimeout),
	)
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	bp.Close(closeCtx)
	log.Info("worker stopped")
	return err
}
