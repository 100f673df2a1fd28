package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/config"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/syncengine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Status bool // report pending state without syncing
}

// SyncReport is the JSON payload of the sync command.
type SyncReport struct {
	DeviceID   string   `json:"device_id"`
	Pushed     int      `json:"pushed"`
	Pulled     int      `json:"pulled"`
	Applied    int      `json:"applied"`
	Conflicts  int      `json:"conflicts"`
	Rejected   int      `json:"rejected"`
	DurationMs int64    `json:"duration_ms"`
	Pending    int      `json:"pending"`
	LastSync   int64    `json:"last_sync"`
	Errors     []string `json:"errors,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones",
		Long: `Run one sync cycle against the configured endpoint.

Local changes recorded since the last successful push are sent first,
then remote changes newer than the last pull are applied using the
configured conflict strategy.

Exit codes:
  0 - Push and pull both succeeded
  1 - A phase failed (details in output)
  2 - Command error (no endpoint, database not found, etc.)

Examples:
  capsule sync
  capsule sync --status
  capsule sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Status, "status", false, "show device id and pending changes without syncing")

	return cmd
}

// newSyncEngine builds an engine from the sync section.
func newSyncEngine(ctx context.Context, c *capsule.Capsule, cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus) (*syncengine.Engine, error) {
	strategy, err := syncengine.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid sync strategy", err)
	}
	eopts := []syncengine.Option{
		syncengine.WithLogger(logger),
		syncengine.WithStrategy(strategy),
	}
	if bus != nil {
		eopts = append(eopts, syncengine.WithEventBus(bus))
	}
	engine, err := syncengine.New(ctx, c, cfg.SyncEngineConfig(), eopts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start sync engine", err)
	}
	return engine, nil
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	c, err := openCapsule(cfg, logger, openOptions{mustExist: true})
	if err != nil {
		return err
	}
	defer closeCapsule(c, logger)

	ctx := commandContext(cmd)
	engine, err := newSyncEngine(ctx, c, cfg, logger, nil)
	if err != nil {
		return err
	}

	report := SyncReport{DeviceID: engine.DeviceID()}
	var failure error
	if !opts.Status {
		res, err := engine.Sync(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "sync failed", err)
		}
		report.Pushed = res.Pushed
		report.Pulled = res.Pulled
		report.Applied = res.Applied
		report.Conflicts = res.Conflicts
		report.Rejected = res.Rejected
		report.DurationMs = res.Duration.Milliseconds()
		for _, e := range res.Errors {
			report.Errors = append(report.Errors, e.Error())
		}
		if !res.OK() {
			failure = WrapExitError(ExitFailure, "sync incomplete", res.Err())
		}
	}

	pending, err := engine.Pending(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read pending changes", err)
	}
	report.Pending = len(pending)
	if report.LastSync, err = engine.LastSyncTimestamp(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to read sync state", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		if err := formatter.Success(report); err != nil {
			return err
		}
		return failure
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Device:    %s\n", report.DeviceID)
	if !opts.Status {
		fmt.Fprintf(w, "Pushed:    %d\n", report.Pushed)
		fmt.Fprintf(w, "Pulled:    %d (applied %d, conflicts %d, rejected %d)\n",
			report.Pulled, report.Applied, report.Conflicts, report.Rejected)
	}
	fmt.Fprintf(w, "Pending:   %d\n", report.Pending)
	fmt.Fprintf(w, "Last sync: %d\n", report.LastSync)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	return failure
}
