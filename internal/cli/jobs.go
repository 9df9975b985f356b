package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roquehomemaster/listingsync/internal/config"
	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

// openPipeline builds a pipeline for one-shot commands against the
// configured store.
func openPipeline(ctx context.Context, rootOpts *RootOptions) (*listingsync.Pipeline, config.Config, error) {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	p, err := listingsync.NewPipeline(ctx, cfg, listingsync.PipelineOptions{Logger: rootOpts.Logger()})
	if err != nil {
		return nil, config.Config{}, WrapExitError(ExitFailure, "build pipeline", err)
	}
	return p, cfg, nil
}

type drainReport struct {
	Expired   int                         `json:"expired"`
	Processed int                         `json:"processed"`
	Results   []listingsync.ProcessResult `json:"results"`
}

func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process the sync queue without the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, cfg, err := openPipeline(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer p.Close()

			lock, err := acquireWorkerLock(cfg.Worker.LockFile)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()
			if lock != nil {
				rootOpts.Logger().Debug("worker lock acquired", "path", lock.Path())
			}

			if !once {
				p.Worker.Run(ctx)
				p.Worker.Wait()
				return nil
			}

			expired, err := p.Worker.ExpireStaleClaims(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "expire stale claims", err)
			}
			report := drainReport{Expired: expired, Results: []listingsync.ProcessResult{}}
			for ctx.Err() == nil {
				result, err := p.Worker.ProcessOnce(ctx)
				if errors.Is(err, listingsync.ErrNoWork) {
					break
				}
				if err != nil {
					return WrapExitError(ExitFailure, "process queue item", err)
				}
				report.Processed++
				report.Results = append(report.Results, result)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain due items once and exit")
	return cmd
}

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var bypass, retention bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the marketplace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPipeline(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer p.Close()

			report, err := p.Reconciler.Run(cmd.Context(), listingsync.ReconcileRequest{Bypass: bypass})
			if err != nil {
				return WrapExitError(ExitFailure, "reconcile", err)
			}
			if retention {
				if _, err := p.Reconciler.RunRetention(cmd.Context()); err != nil {
					return WrapExitError(ExitFailure, "drift retention", err)
				}
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
	cmd.Flags().BoolVar(&bypass, "bypass", false, "run even when the rate limit is near depletion")
	cmd.Flags().BoolVar(&retention, "retention", false, "also delete drift events past retention")
	return cmd
}

func NewPoliciesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Inspect and refresh cached marketplace policies",
	}

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch policies and re-enqueue affected listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPipeline(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer p.Close()
			report, err := p.Policies.Refresh(cmd.Context(), force)
			if err != nil {
				return WrapExitError(ExitFailure, "refresh policies", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "ignore cache freshness")

	var policyType string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPipeline(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer p.Close()
			entries, err := p.Policies.List(cmd.Context(), policyType)
			if err != nil {
				return WrapExitError(ExitFailure, "list policies", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, entries)
		},
	}
	list.Flags().StringVar(&policyType, "type", "", "policy type filter")

	cmd.AddCommand(refresh, list)
	return cmd
}

func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "detect <listing-id>...",
		Short: "Run change detection for listings and enqueue what changed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := openPipeline(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer p.Close()

			results := make([]listingsync.DetectResult, 0, len(args))
			var failed error
			for _, id := range args {
				result, err := p.Detector.Detect(cmd.Context(), id, reason)
				if err != nil {
					rootOpts.Logger().Warn("detect failed", "listing_id", id, "error", err)
					failed = errors.Join(failed, err)
					continue
				}
				results = append(results, result)
			}
			if err := writeResult(cmd.OutOrStdout(), rootOpts.Format, results); err != nil {
				return err
			}
			if failed != nil {
				return WrapExitError(ExitFailure, "detect", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", listingsync.ReasonManual, "enqueue reason")
	return cmd
}
