package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/capsule/internal/eventbus"
	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/sandbox"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Eval   string   // inline chunk instead of a file
	Call   string   // global function to call after loading
	Args   string   // JSON array passed to Call
	Tables []string // table allowlist; empty allows all
}

// ExecResult is the JSON payload of the exec command.
type ExecResult struct {
	Results []any `json:"results"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [script.lua]",
		Short: "Run a Lua script in the sandbox",
		Long: `Run a Lua script in a fresh sandbox bound to the capsule.

The script gets the same host API and limits as a mod. With --call, the
named global function is invoked after the chunk has loaded and its
return values are printed instead.

Examples:
  capsule exec ./report.lua
  capsule exec -e 'return db.queryScalar("SELECT COUNT(*) FROM users")'
  capsule exec ./lib.lua --call summarize --args '["users", 10]' --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Eval, "eval", "e", "", "inline Lua chunk to run")
	cmd.Flags().StringVar(&opts.Call, "call", "", "global function to call after loading")
	cmd.Flags().StringVar(&opts.Args, "args", "[]", "JSON array of arguments for --call")
	cmd.Flags().StringSliceVar(&opts.Tables, "tables", nil, "tables the script may write or watch (default all)")

	return cmd
}

func runExec(opts *ExecOptions, args []string, cmd *cobra.Command) error {
	name, src, err := execSource(opts, args)
	if err != nil {
		return err
	}

	var callArgs []any
	if opts.Call != "" {
		decoded, err := ir.DecodeJSON([]byte(opts.Args))
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --args", err)
		}
		list, ok := decoded.([]any)
		if !ok {
			return NewExitError(ExitCommandError, "invalid --args: must be a JSON array")
		}
		callArgs = list
	}

	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	bus := eventbus.New(eventbus.WithLogger(logger))
	c, err := openCapsule(cfg, logger, openOptions{bus: bus})
	if err != nil {
		return err
	}
	defer closeCapsule(c, logger)

	sbOpts := []sandbox.Option{
		sandbox.WithName(name),
		sandbox.WithLogger(logger),
		sandbox.WithLimits(cfg.SandboxLimits()),
	}
	if len(opts.Tables) > 0 {
		sbOpts = append(sbOpts, sandbox.WithAllowedTables(opts.Tables...))
	}
	sb, err := sandbox.New(c, bus, sbOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create sandbox", err)
	}
	defer sb.Close()

	ctx := commandContext(cmd)
	results, err := sb.ExecuteNamed(ctx, name, src)
	if err != nil {
		return WrapExitError(ExitFailure, "script failed", err)
	}
	if opts.Call != "" {
		results, err = sb.CallFunction(ctx, opts.Call, callArgs...)
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("call %s failed", opts.Call), err)
		}
	}
	if results == nil {
		results = []any{}
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(ExecResult{Results: results})
	}
	for _, r := range results {
		if r == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "nil")
			continue
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatValue(r))
	}
	return nil
}

// execSource resolves the chunk name and source from --eval or the file
// argument.
func execSource(opts *ExecOptions, args []string) (string, string, error) {
	switch {
	case opts.Eval != "" && len(args) > 0:
		return "", "", NewExitError(ExitCommandError, "use either a script file or --eval, not both")
	case opts.Eval != "":
		return "eval", opts.Eval, nil
	case len(args) == 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", WrapExitError(ExitCommandError, "failed to read script", err)
		}
		return filepath.Base(args[0]), string(data), nil
	default:
		return "", "", NewExitError(ExitCommandError, "a script file or --eval is required")
	}
}
