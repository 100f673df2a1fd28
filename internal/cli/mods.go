package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/capsule/internal/skills"
)

// ModsOptions holds flags for the mods commands.
type ModsOptions struct {
	*RootOptions
	Dir string // overrides mods.dir
}

// ModListing is one row of mods list.
type ModListing struct {
	skills.Info
	Installed bool   `json:"installed"`
	Dir       string `json:"dir"`
}

// ModCheck is the JSON payload of mods check.
type ModCheck struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Scripting   bool     `json:"scripting"`
	Tables      []string `json:"tables,omitempty"`
	Scripts     []string `json:"scripts"`
	Components  int      `json:"components"`
	Templates   int      `json:"templates"`
	OwnedTables []string `json:"owned_tables,omitempty"`
}

// NewModsCommand creates the mods command group.
func NewModsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ModsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mods",
		Short: "Inspect mod packages",
		Long: `Inspect the mod packages under the configured mods directory.

Examples:
  capsule mods list
  capsule mods list --dir ./mods --format json
  capsule mods check ./mods/todo`,
	}

	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "mods directory (overrides mods.dir)")

	cmd.AddCommand(newModsListCommand(opts))
	cmd.AddCommand(newModsCheckCommand(opts))

	return cmd
}

func newModsListCommand(opts *ModsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mods and whether they are installed",
		Long: `Load every mod package under the mods directory without activating it,
and report its version and whether its install hook has already run
against the database.

Packages that fail to load are logged and left out of the listing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModsList(opts, cmd)
		},
	}
}

func newModsCheckCommand(opts *ModsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <mod-dir>",
		Short: "Validate a mod package",
		Long: `Parse and validate a mod package: its manifest against the manifest
schema and every component file as JSON. No script is executed.

Exit codes:
  0 - Package is valid
  1 - Package is invalid`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModsCheck(opts, args[0], cmd)
		},
	}
}

func runModsList(opts *ModsOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	dir := cfg.Mods.Dir
	if opts.Dir != "" {
		dir = opts.Dir
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

	mgr := skills.NewManager(c, skills.WithLogger(logger))
	if _, err := mgr.LoadAll(dir); err != nil {
		return WrapExitError(ExitCommandError, "failed to scan mods", err)
	}

	ctx := commandContext(cmd)
	listing := []ModListing{}
	for _, info := range mgr.List() {
		installed, err := mgr.Installed(ctx, info.ID)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read install state", err)
		}
		row := ModListing{Info: info, Installed: installed}
		if mod, ok := mgr.Mod(info.ID); ok {
			row.Dir = mod.Dir
		}
		listing = append(listing, row)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(listing)
	}

	w := cmd.OutOrStdout()
	if len(listing) == 0 {
		fmt.Fprintf(w, "No mods found in %s.\n", dir)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tINSTALLED")
	for _, m := range listing {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ID, m.Name, m.Version, m.Installed)
	}
	return tw.Flush()
}

func runModsCheck(opts *ModsOptions, dir string, cmd *cobra.Command) error {
	mod, err := skills.ReadModDir(dir)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid mod package", err)
	}

	m := mod.Manifest
	check := ModCheck{
		ID:         m.ID,
		Name:       m.Name,
		Version:    m.Version,
		Scripting:  m.Permissions.Scripting,
		Tables:     m.Permissions.Tables,
		Scripts:    mod.ScriptNames(),
		Components: len(mod.Components),
		Templates:  len(mod.Templates),
	}
	for _, def := range m.Tables {
		check.OwnedTables = append(check.OwnedTables, def.Name)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		return formatter.Success(check)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ %s %s (%s)\n", check.ID, check.Version, check.Name)
	fmt.Fprintf(w, "  scripts:    %s\n", joinOr(check.Scripts, "(none)"))
	fmt.Fprintf(w, "  scripting:  %t\n", check.Scripting)
	fmt.Fprintf(w, "  tables:     %s\n", joinOr(check.Tables, "(all)"))
	if len(check.OwnedTables) > 0 {
		fmt.Fprintf(w, "  creates:    %s\n", strings.Join(check.OwnedTables, ", "))
	}
	return nil
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}
