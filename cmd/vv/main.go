// cmd/vv/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"veracity/internal/config"
	"veracity/internal/conflict"
	verrors "veracity/internal/errors"
	"veracity/internal/logging"
	"veracity/internal/revert"
	"veracity/internal/watch"
	"veracity/internal/workspace"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "vv",
	Short: "vv is a distributed version control system",
	Long: `vv tracks items by identity, so renames and moves survive merges.
Merges are three-way; anything that cannot be merged automatically becomes a
conflict to resolve before committing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	var initCmd = &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a working copy and its repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			who, _ := cmd.Flags().GetString("who")

			cfg, logger, err := loadConfig(filepath.Join(dir, workspace.MetaDir))
			if err != nil {
				return err
			}
			ws, err := workspace.Init(dir, who, workspace.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer ws.Close()

			fmt.Printf("Initialized working copy in %s at %s\n", ws.Root(), short(ws.Baseline()))
			return nil
		},
	}
	initCmd.Flags().String("who", defaultWho(), "Author recorded on the initial changeset")

	var addCmd = &cobra.Command{
		Use:   "add <paths...>",
		Short: "Put items under version control",
		Args:  cobra.MinimumNArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			added, err := ws.Add(args)
			if err != nil {
				return err
			}
			for _, p := range added {
				fmt.Printf("%s %s\n", green("added"), p)
			}
			return nil
		}),
	}

	var removeCmd = &cobra.Command{
		Use:   "remove <paths...>",
		Short: "Take items out of version control",
		Args:  cobra.MinimumNArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			res, err := ws.Remove(cmd.Context(), args)
			printApplied(res)
			return err
		}),
	}

	var moveCmd = &cobra.Command{
		Use:   "move <path> <directory>",
		Short: "Move an item into another controlled directory",
		Args:  cobra.ExactArgs(2),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			return ws.Move(cmd.Context(), args[0], args[1])
		}),
	}

	var renameCmd = &cobra.Command{
		Use:   "rename <path> <name>",
		Short: "Rename an item in place",
		Args:  cobra.ExactArgs(2),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			return ws.Rename(cmd.Context(), args[0], args[1])
		}),
	}

	var execCmd = &cobra.Command{
		Use:   "exec <path>",
		Short: "Mark a controlled file executable",
		Args:  cobra.ExactArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			off, _ := cmd.Flags().GetBool("clear")
			return ws.SetExecutable(args[0], !off)
		}),
	}
	execCmd.Flags().Bool("clear", false, "Clear the executable bit instead")

	var commitCmd = &cobra.Command{
		Use:   "commit",
		Short: "Record the working copy as a new changeset",
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			who, _ := cmd.Flags().GetString("who")
			if strings.TrimSpace(message) == "" {
				return verrors.ValidationError("a commit message is required (-m)", nil)
			}
			csid, err := ws.Commit(message, who)
			if err != nil {
				return err
			}
			fmt.Printf("Committed %s\n", green(short(csid)))
			return nil
		}),
	}
	commitCmd.Flags().StringP("message", "m", "", "Commit message")
	commitCmd.Flags().String("who", defaultWho(), "Author of the changeset")

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show changed, uncontrolled and conflicted items",
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			sparse, _ := cmd.Flags().GetBool("sparse")
			unchanged, _ := cmd.Flags().GetBool("unchanged")

			if other, ok := ws.Merging(); ok {
				fmt.Printf("Merging %s into %s\n", cyan(short(other)), short(ws.Baseline()))
			}
			items, err := ws.Status(workspace.StatusOptions{ListSparse: sparse, ListUnchanged: unchanged})
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Nothing to report")
				return nil
			}
			for _, st := range items {
				printStatus(st)
			}
			return nil
		}),
	}
	statusCmd.Flags().Bool("sparse", false, "List sparse items")
	statusCmd.Flags().Bool("unchanged", false, "List unchanged items")

	var diffCmd = &cobra.Command{
		Use:   "diff <path>",
		Short: "Compare a file with its baseline content",
		Args:  cobra.ExactArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			res, err := ws.Diff(args[0])
			if err != nil {
				return err
			}
			if len(res.Hunks) == 0 {
				fmt.Println("No changes")
				return nil
			}
			printColoredDiff(res.Format())
			return nil
		}),
	}

	var mergeCmd = &cobra.Command{
		Use:   "merge <rev>",
		Short: "Merge another changeset into the working copy",
		Args:  cobra.ExactArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			res, err := ws.Merge(cmd.Context(), args[0])
			if res == nil {
				return err
			}
			fmt.Printf("Merging %s (ancestor %s)\n", cyan(short(res.Other)), short(res.Ancestor))
			for _, j := range res.Journal {
				line := fmt.Sprintf("  %-26s %s", j.Op, j.Path)
				if j.From != "" {
					line += " (from " + j.From + ")"
				}
				fmt.Println(line)
			}
			printApplied(&workspace.RevertResult{Applied: res.Applied, Found: res.Found})
			if len(res.Conflicts) > 0 {
				fmt.Printf("%s\n", red(fmt.Sprintf("%d conflict(s) to resolve:", len(res.Conflicts))))
				for _, r := range res.Conflicts {
					fmt.Println("  " + r.Describe(false))
				}
			}
			return err
		}),
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "List and resolve merge conflicts",
	}

	var resolveListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the conflicts of the pending merge",
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			records, err := ws.ListConflicts()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No conflicts")
				return nil
			}
			for _, r := range records {
				line := r.Describe(verbose)
				if r.State.Resolved {
					fmt.Println(green(line))
				} else {
					fmt.Println(red(line))
				}
			}
			return nil
		}),
	}

	var resolveAcceptCmd = &cobra.Command{
		Use:   "accept <ancestor|baseline|other|working> <path>",
		Short: "Accept one candidate value for the conflicts on an item",
		Args:  cobra.ExactArgs(2),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			choice, err := conflict.ParseChoice(args[0])
			if err != nil {
				return err
			}
			opts := workspace.ResolveOptions{}
			opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
			if k, _ := cmd.Flags().GetString("kind"); k != "" {
				kind, err := conflict.ParseKind(k)
				if err != nil {
					return err
				}
				opts.Kind = &kind
			}

			records, err := ws.Resolve(cmd.Context(), args[1], choice, opts)
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Println(green(r.Describe(false)))
			}
			return nil
		}),
	}
	resolveAcceptCmd.Flags().String("kind", "", "Only resolve this kind of conflict (existence, name, location, attributes, contents)")
	resolveAcceptCmd.Flags().Bool("overwrite", false, "Change an already accepted value")

	var revertCmd = &cobra.Command{
		Use:   "revert [paths...]",
		Short: "Return items to their baseline state",
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			opts := workspace.RevertOptions{Paths: args}
			opts.All, _ = cmd.Flags().GetBool("all")
			opts.Recursive, _ = cmd.Flags().GetBool("recursive")
			opts.NoBackups, _ = cmd.Flags().GetBool("no-backups")
			opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

			res, err := ws.Revert(cmd.Context(), opts)
			printApplied(res)
			return err
		}),
	}
	revertCmd.Flags().BoolP("all", "a", false, "Revert the whole working copy, abandoning a pending merge")
	revertCmd.Flags().BoolP("recursive", "r", false, "Include everything below named directories")
	revertCmd.Flags().Bool("no-backups", false, "Discard edits instead of backing them up")
	revertCmd.Flags().Bool("dry-run", false, "Show what would be done without touching the disk")

	var updateCmd = &cobra.Command{
		Use:   "update <rev>",
		Short: "Move a clean working copy to another changeset",
		Args:  cobra.ExactArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			csid, err := ws.Update(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Updated to %s\n", short(csid))
			return nil
		}),
	}

	var checkoutCmd = &cobra.Command{
		Use:   "checkout <rev>",
		Short: "Move a clean working copy to a changeset, optionally sparse",
		Args:  cobra.ExactArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			sparse, _ := cmd.Flags().GetStringSlice("sparse")
			csid, err := ws.Checkout(cmd.Context(), args[0], sparse)
			if err != nil {
				return err
			}
			fmt.Printf("Checked out %s\n", short(csid))
			return nil
		}),
	}
	checkoutCmd.Flags().StringSlice("sparse", nil, "Patterns of items to leave unpopulated")

	var tagCmd = &cobra.Command{
		Use:   "tag",
		Short: "Name changesets",
	}

	var tagAddCmd = &cobra.Command{
		Use:   "add <name> [rev]",
		Short: "Tag a changeset, the baseline by default",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			rev := ws.Baseline()
			if len(args) == 2 {
				rev = args[1]
			}
			return ws.Store().AddTag(args[0], rev)
		}),
	}

	var tagListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tags",
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			tags, err := ws.Store().Tags()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(tags))
			for name := range tags {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-20s %s\n", name, short(tags[name]))
			}
			return nil
		}),
	}

	var stampCmd = &cobra.Command{
		Use:   "stamp",
		Short: "Attach stamps to changesets",
	}

	var stampAddCmd = &cobra.Command{
		Use:   "add <name> [rev]",
		Short: "Stamp a changeset, the baseline by default",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			rev := ws.Baseline()
			if len(args) == 2 {
				rev = args[1]
			}
			return ws.Store().AddStamp(rev, args[0])
		}),
	}

	var logCmd = &cobra.Command{
		Use:   "log [rev]",
		Short: "Show history along first parents",
		Args:  cobra.MaximumNArgs(1),
		RunE: withWorkspace(func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			csid := ws.Baseline()
			if len(args) == 1 {
				var err error
				if csid, err = ws.Store().ResolveRevision(args[0]); err != nil {
					return err
				}
			}
			history, err := ws.Store().History(csid, limit)
			if err != nil {
				return err
			}
			for _, cs := range history {
				stamps, err := ws.Store().Stamps(cs.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", yellow(short(cs.ID)), cs.Audit.When.Format(time.RFC3339), cs.Audit.Who)
				if len(cs.Parents) > 1 {
					fmt.Printf("  merge: %s\n", strings.Join(lo.Map(cs.Parents, func(id string, _ int) string { return short(id) }), " "))
				}
				if len(stamps) > 0 {
					fmt.Printf("  stamps: %s\n", strings.Join(stamps, ", "))
				}
				fmt.Printf("  %s\n\n", cs.Message)
			}
			return nil
		}),
	}
	logCmd.Flags().IntP("limit", "n", 20, "Maximum number of changesets to show")

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Print status whenever the working copy changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, logger, err := openWorkspace()
			if err != nil {
				return err
			}
			defer ws.Close()

			debounce, _ := cmd.Flags().GetDuration("debounce")
			w, err := watch.New(ws.Root(), workspace.Ignored, debounce, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			batches := make(chan watch.Batch)
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx, batches) }()

			fmt.Printf("Watching %s (Ctrl+C to stop)\n", ws.Root())
			for batch := range batches {
				fmt.Printf("%s %d change(s)\n", cyan(batch.At.Format("15:04:05")), len(batch.Paths))
				items, err := ws.Status(workspace.StatusOptions{})
				if err != nil {
					return err
				}
				for _, st := range items {
					printStatus(st)
				}
			}
			return <-done
		},
	}
	watchCmd.Flags().Duration("debounce", 300*time.Millisecond, "Quiet period before reporting changes")

	resolveCmd.AddCommand(resolveListCmd, resolveAcceptCmd)
	tagCmd.AddCommand(tagAddCmd, tagListCmd)
	stampCmd.AddCommand(stampAddCmd)

	rootCmd.AddCommand(initCmd, addCmd, removeCmd, moveCmd, renameCmd, execCmd, commitCmd,
		statusCmd, diffCmd, mergeCmd, resolveCmd, revertCmd, updateCmd, checkoutCmd,
		tagCmd, stampCmd, logCmd, watchCmd)
}

// loadConfig reads the configuration in meta and builds the logger it asks
// for.
func loadConfig(meta string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(meta)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.NewLogger(level)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

func openWorkspace() (*workspace.Workspace, *logging.Logger, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := workspace.FindRoot(dir)
	if err != nil {
		return nil, nil, err
	}
	cfg, logger, err := loadConfig(filepath.Join(root, workspace.MetaDir))
	if err != nil {
		return nil, nil, err
	}
	ws, err := workspace.Open(root, workspace.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return ws, logger, nil
}

func withWorkspace(fn func(ws *workspace.Workspace, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ws, _, err := openWorkspace()
		if err != nil {
			return err
		}
		defer ws.Close()
		return fn(ws, cmd, args)
	}
}

func printStatus(st workspace.ItemStatus) {
	paint := fmt.Sprint
	switch {
	case st.Has(workspace.FlagConflict), st.Has(workspace.FlagRemoved), st.Has(workspace.FlagLost):
		paint = red
	case st.Has(workspace.FlagAdded):
		paint = green
	case st.Has(workspace.FlagFound):
		paint = blue
	case st.Pending():
		paint = yellow
	}
	fmt.Printf("%-40s %s\n", paint(st.Path), strings.Join(st.Flags, ", "))
}

func printApplied(res *workspace.RevertResult) {
	if res == nil {
		return
	}
	for _, a := range res.Applied {
		switch a.Op {
		case revert.ActionBackup:
			line := fmt.Sprintf("  backup %s -> %s", a.Path, a.Backup)
			if a.Status != "" {
				line += " [" + a.Status + "]"
			}
			fmt.Println(yellow(line))
		case revert.ActionMove:
			fmt.Printf("  move   %s -> %s\n", a.From, a.Path)
		default:
			fmt.Printf("  %-6s %s\n", a.Op, a.Path)
		}
	}
	for _, p := range res.Found {
		fmt.Printf("  %s %s\n", blue("found"), p)
	}
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func defaultWho() string {
	for _, env := range []string{"VV_WHO", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "unknown"
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		os.Exit(verrors.ExitStatus(err))
	}
}
