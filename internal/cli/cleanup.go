package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Days int // overrides retention_days when >= 0
}

// CleanupResult is the JSON payload of the cleanup command.
type CleanupResult struct {
	RetentionDays int   `json:"retention_days"`
	Changes       int64 `json:"changes"`
	SyncChangelog int64 `json:"sync_changelog"`
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old change records",
		Long: `Delete delivered change records older than the retention window.

When sync is enabled, synced changelog entries older than the same
window are removed too. Pending sync entries and user tables are never
touched.

Examples:
  capsule cleanup
  capsule cleanup --days 30
  capsule cleanup --days 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Days, "days", -1, "retention window in days (default retention_days from config)")

	return cmd
}

func runCleanup(opts *CleanupOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	days := cfg.RetentionDays
	if opts.Days >= 0 {
		days = opts.Days
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
	result := CleanupResult{RetentionDays: days}

	if result.Changes, err = c.Cleanup(ctx, days); err != nil {
		return WrapExitError(ExitFailure, "cleanup failed", err)
	}

	if cfg.Sync.Enabled {
		engine, err := newSyncEngine(ctx, c, cfg, logger, nil)
		if err != nil {
			return err
		}
		if result.SyncChangelog, err = engine.Cleanup(ctx, days); err != nil {
			return WrapExitError(ExitFailure, "sync cleanup failed", err)
		}
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Deleted %d change records older than %d days\n", result.Changes, days)
	if cfg.Sync.Enabled {
		fmt.Fprintf(w, "Deleted %d synced changelog entries\n", result.SyncChangelog)
	}
	return nil
}
