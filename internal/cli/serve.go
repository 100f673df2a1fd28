package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/config"
	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/skills"
	"github.com/roach88/capsule/internal/syncengine"
)

// retentionInterval is how often serve applies the retention window.
const retentionInterval = time.Hour

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoMods bool // skip loading mods
	NoSync bool // skip auto-sync even when enabled in config
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capsule with its mods and sync",
		Long: `Open the capsule and keep it running until interrupted.

While running, committed changes are delivered to watchers, mods under
mods.dir are loaded (and activated when mods.auto_activate is set),
new mod directories are picked up when mods.watch is set, auto-sync
runs every sync.interval when sync.enabled is set, and change records
older than retention_days are cleaned up hourly.

The database is created if it does not exist.

Examples:
  capsule serve
  capsule serve --db ./data.db --no-sync
  capsule serve --config ./capsule.yaml -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoMods, "no-mods", false, "do not load mods")
	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not start auto-sync")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	bus := eventbus.New(eventbus.WithLogger(logger))
	c, err := openCapsule(cfg, logger, openOptions{pollInterval: cfg.PollInterval, bus: bus})
	if err != nil {
		return err
	}
	defer closeCapsule(c, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	unsubscribe := bus.Subscribe(eventbus.Wildcard, func(_ context.Context, action string, payload any) {
		if action == eventbus.ActionCapsuleChange {
			return
		}
		logger.Debug("event", "action", action, "payload", payload)
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	if !opts.NoMods {
		mgr := skills.NewManager(c,
			skills.WithLogger(logger),
			skills.WithEventBus(bus),
			skills.WithSandboxLimits(cfg.SandboxLimits()))
		defer func() {
			if err := mgr.Close(context.Background()); err != nil {
				logger.Error("error closing mods", "error", err)
			}
		}()
		if err := startMods(gctx, g, mgr, c, cfg, logger); err != nil {
			return err
		}
	}

	var engine *syncengine.Engine
	if cfg.Sync.Enabled && !opts.NoSync {
		engine, err = newSyncEngine(ctx, c, cfg, logger, bus)
		if err != nil {
			return err
		}
		if err := engine.Start(gctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start auto-sync", err)
		}
		defer engine.Stop()
		logger.Info("auto-sync started", "endpoint", cfg.Sync.Endpoint, "interval", cfg.Sync.Interval, "device_id", engine.DeviceID())
	}

	if cfg.RetentionDays > 0 {
		g.Go(func() error {
			retain(gctx, c, engine, cfg.RetentionDays, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("capsule serving", "db", cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Capsule serving %s.\n", cfg.Database)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve failed", err)
	}

	logger.Info("capsule stopped gracefully")
	return nil
}

// startMods loads the mods directory and, when configured, activates
// every mod and watches the directory for new ones. A missing directory
// is not an error unless it is to be watched.
func startMods(ctx context.Context, g *errgroup.Group, mgr *skills.Manager, c *capsule.Capsule, cfg *config.Config, logger *slog.Logger) error {
	dir := cfg.Mods.Dir
	if dir == "" {
		return nil
	}
	if cfg.Mods.Watch {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create mods directory", err)
		}
	}

	ids, err := mgr.LoadAll(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no mods directory", "dir", dir)
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to load mods", err)
	}

	if cfg.Mods.AutoActivate {
		for _, id := range ids {
			if err := mgr.ActivateMod(ctx, id); err != nil {
				logger.Error("mod activation failed", "mod_id", id, "error", err)
			}
		}
	}

	tables, err := c.Tables(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list tables", err)
	}
	if err := mgr.WatchTables(ctx, tables...); err != nil {
		return WrapExitError(ExitFailure, "failed to watch tables", err)
	}
	logger.Info("mods started", "dir", dir, "loaded", len(ids), "tables", len(tables))

	if cfg.Mods.Watch {
		var wopts []skills.WatchOption
		if cfg.Mods.AutoActivate {
			wopts = append(wopts, skills.WithAutoActivate())
		}
		g.Go(func() error {
			return mgr.WatchDir(ctx, dir, wopts...)
		})
	}
	return nil
}

// retain applies the retention window to the change log, and to the sync
// changelog when engine is set, every retentionInterval until ctx is done.
func retain(ctx context.Context, c *capsule.Capsule, engine *syncengine.Engine, days int, logger *slog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Cleanup(ctx, days)
			if err != nil {
				logger.Error("change cleanup failed", "error", err)
			} else if n > 0 {
				logger.Info("change records cleaned", "deleted", n)
			}
			if engine == nil {
				continue
			}
			if _, err := engine.Cleanup(ctx, days); err != nil {
				logger.Error("sync cleanup failed", "error", err)
			}
		}
	}
}
