package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roquehomemaster/listingsync/internal/config"
	"github.com/roquehomemaster/listingsync/internal/httpapi"
	"github.com/roquehomemaster/listingsync/internal/listingsync"
	"github.com/roquehomemaster/listingsync/internal/runlock"
)

type serveOptions struct {
	addr     string
	noWorker bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API with the worker, reconciler and policy loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(opts.addr) != "" {
				cfg.Server.Addr = opts.addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, rootOpts.Logger(), !opts.noWorker)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.noWorker, "no-worker", false, "serve the API without processing the queue")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, withWorker bool) error {
	p, err := listingsync.NewPipeline(ctx, cfg, listingsync.PipelineOptions{Logger: logger})
	if err != nil {
		return WrapExitError(ExitFailure, "build pipeline", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("pipeline close failed", "error", err)
		}
	}()

	if withWorker {
		lock, err := acquireWorkerLock(cfg.Worker.LockFile)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	api := httpapi.NewServer(p, httpapi.ServerConfig{
		AdminSecret:  cfg.Server.AdminSecret,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger.With("component", "http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	group, groupCtx := errgroup.WithContext(loopCtx)

	if withWorker && cfg.Features.SyncEnabled {
		group.Go(func() error {
			p.Worker.Run(groupCtx)
			return nil
		})
	}
	if cfg.Reconcile.Enabled {
		group.Go(func() error {
			p.Reconciler.Loop(groupCtx, cfg.Reconcile.Interval)
			return nil
		})
	}
	group.Go(func() error {
		if _, err := p.Policies.Refresh(groupCtx, false); err != nil && groupCtx.Err() == nil {
			logger.Warn("initial policy refresh failed", "error", err)
		}
		p.Policies.Loop(groupCtx, cfg.Policy.RefreshInterval)
		return nil
	})
	if cfg.Policy.Watch && strings.TrimSpace(cfg.Policy.Dir) != "" {
		group.Go(func() error {
			if err := p.Policies.Watch(groupCtx, cfg.Policy.Dir); err != nil && groupCtx.Err() == nil {
				logger.Warn("policy watcher stopped", "dir", cfg.Policy.Dir, "error", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		p.AlertLoop(groupCtx, cfg.Alerts.EvaluateInterval)
		return nil
	})
	group.Go(func() error {
		p.Tokens.RecoveryLoop(groupCtx)
		return nil
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listingsync listening", "addr", cfg.Server.Addr, "mode", cfg.Marketplace.Mode, "worker", withWorker)
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested", "reason", context.Cause(ctx))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "http server", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	cancelLoops()
	_ = group.Wait()
	p.Worker.Wait()
	logger.Info("listingsync stopped")
	return runErr
}

func acquireWorkerLock(path string) (*runlock.Lock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	lock, err := runlock.Acquire(path)
	if errors.Is(err, runlock.ErrLocked) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("another worker holds %s", path))
	}
	if err != nil {
		return nil, WrapExitError(ExitFailure, "acquire worker lock", err)
	}
	return lock, nil
}
