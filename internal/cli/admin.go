package cli

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roquehomemaster/listingsync/internal/adminclient"
	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

type adminOptions struct {
	url    string
	secret string
}

func (o *adminOptions) client() *adminclient.Client {
	return adminclient.New(o.url, o.secret, nil)
}

// NewAdminCommand groups commands that call a running server's admin API.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &adminOptions{}
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate a running listingsync server",
	}
	defaultURL := os.Getenv("LISTINGSYNC_ADMIN_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.url, "url", defaultURL, "admin API base URL")
	cmd.PersistentFlags().StringVar(&opts.secret, "secret", os.Getenv("LISTINGSYNC_ADMIN_SECRET"), "admin secret")

	cmd.AddCommand(
		newAdminQueueCommand(rootOpts, opts),
		newAdminRetryCommand(rootOpts, opts),
		newAdminDeadLetterRetryCommand(rootOpts, opts),
		newAdminReplayCommand(rootOpts, opts),
		newAdminDetectCommand(rootOpts, opts),
		newAdminReconcileCommand(rootOpts, opts),
		newAdminReadyCommand(rootOpts, opts),
	)
	return cmd
}

func newAdminQueueCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queue items and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, ok := listingsync.ParseQueueStatus(status); !ok {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown queue status %q", status))
				}
			}
			resp, err := opts.client().Queue(cmd.Context(), status, limit)
			if err != nil {
				return adminError("list queue", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|processing|complete|error|dead")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func newAdminRetryCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue-item-id>",
		Short: "Reset a dead or errored queue item to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			item, err := opts.client().RetryItem(cmd.Context(), id)
			if err != nil {
				return adminError("retry queue item", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, item)
		},
	}
}

func newAdminDeadLetterRetryCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letter-retry",
		Short: "Retry every dead queue item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().RetryDeadLetters(cmd.Context(), limit)
			if err != nil {
				return adminError("retry dead letters", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max items (0 uses the server default)")
	return cmd
}

func newAdminReplayCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <failed-event-id>",
		Short: "Enqueue a failed event once more",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIDArg(args[0])
			if err != nil {
				return err
			}
			item, err := opts.client().ReplayFailedEvent(cmd.Context(), id)
			if err != nil {
				return adminError("replay failed event", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, item)
		},
	}
}

func newAdminDetectCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <listing-id>",
		Short: "Ask the server to run change detection for a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := opts.client().Detect(cmd.Context(), args[0])
			if err != nil {
				return adminError("detect", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, result)
		},
	}
}

func newAdminReconcileCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	var bypass bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Trigger a reconciliation pass on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().Reconcile(cmd.Context(), bypass)
			if err != nil {
				return adminError("reconcile", err)
			}
			return writeResult(cmd.OutOrStdout(), rootOpts.Format, report)
		},
	}
	cmd.Flags().BoolVar(&bypass, "bypass", false, "run even when the rate limit is near depletion")
	return cmd
}

func newAdminReadyCommand(rootOpts *RootOptions, opts *adminOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Print the server readiness report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ready, err := opts.client().Ready(cmd.Context())
			var httpErr *adminclient.HTTPError
			if err != nil && !errors.As(err, &httpErr) {
				return adminError("ready", err)
			}
			if werr := writeResult(cmd.OutOrStdout(), rootOpts.Format, ready); werr != nil {
				return werr
			}
			if !ready.Ready {
				return NewExitError(ExitFailure, "not ready")
			}
			return nil
		},
	}
}

func parseIDArg(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid id %q", raw))
	}
	return id, nil
}

func adminError(action string, err error) error {
	if errors.Is(err, adminclient.ErrConflict) {
		return WrapExitError(ExitFailure, action+" rejected", err)
	}
	var httpErr *adminclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return WrapExitError(ExitCommandError, action, err)
	}
	return WrapExitError(ExitFailure, action, err)
}
