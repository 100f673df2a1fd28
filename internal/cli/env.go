package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/capsule/internal/capsule"
	"github.com/roach88/capsule/internal/config"
	"github.com/roach88/capsule/internal/eventbus"
)

// newLogger builds the process logger from the log section. --verbose
// forces debug level.
func newLogger(cfg *config.Config, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler), nil
}

// openOptions controls openCapsule.
type openOptions struct {
	mustExist    bool
	pollInterval time.Duration
	bus          *eventbus.Bus
}

// openCapsule opens the configured database. One-shot commands pass
// mustExist so a typo in --db does not silently create an empty capsule.
func openCapsule(cfg *config.Config, logger *slog.Logger, o openOptions) (*capsule.Capsule, error) {
	if cfg.Database == "" {
		return nil, NewExitError(ExitCommandError, "no database configured (use --db or database in config)")
	}
	if o.mustExist {
		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", cfg.Database))
		}
	}

	copts := []capsule.Option{
		capsule.WithLogger(logger),
		capsule.WithPollInterval(o.pollInterval),
	}
	if o.bus != nil {
		copts = append(copts, capsule.WithEventBus(o.bus))
	}
	c, err := capsule.Open(cfg.Database, copts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return c, nil
}

// closeCapsule closes c, logging rather than returning the error so it
// never masks the command's own result.
func closeCapsule(c *capsule.Capsule, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
