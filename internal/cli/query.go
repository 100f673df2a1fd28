package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/capsule/internal/ir"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
}

// QueryResult is the JSON payload of the query command.
type QueryResult struct {
	Rows  []ir.Row `json:"rows"`
	Count int      `json:"count"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <sql> [args...]",
		Short: "Run a read-only SQL query",
		Long: `Run a parameterized, read-only SQL query against the capsule.

Positional arguments after the query bind to its ? placeholders.
Statements that write are rejected.

Examples:
  capsule query "SELECT * FROM users"
  capsule query "SELECT name FROM users WHERE age > ?" 30 --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], args[1:], cmd)
		},
	}

	return cmd
}

func runQuery(opts *QueryOptions, query string, rawArgs []string, cmd *cobra.Command) error {
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

	args := make([]any, len(rawArgs))
	for i, a := range rawArgs {
		args[i] = a
	}

	rows, err := c.Query(commandContext(cmd), query, args...)
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(QueryResult{Rows: rows, Count: len(rows)})
	}
	writeRows(cmd.OutOrStdout(), rows)
	return nil
}

// writeRows prints rows as an aligned table, id first then columns by name.
func writeRows(w io.Writer, rows []ir.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(0 rows)")
		return
	}

	var columns []string
	for _, row := range rows {
		for col := range row {
			if !slices.Contains(columns, col) {
				columns = append(columns, col)
			}
		}
	}
	slices.SortFunc(columns, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == "id":
			return -1
		case b == "id":
			return 1
		case a < b:
			return -1
		default:
			return 1
		}
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, col := range columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, col)
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, col := range columns {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			v, ok := row[col]
			switch {
			case !ok || v == nil:
				fmt.Fprint(tw, "NULL")
			default:
				fmt.Fprint(tw, formatValue(v))
			}
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	fmt.Fprintf(w, "(%d rows)\n", len(rows))
}

// formatValue renders composite values as canonical JSON.
func formatValue(v any) string {
	switch v.(type) {
	case map[string]any, ir.Row, []any:
		if data, err := ir.MarshalCanonical(v); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}
