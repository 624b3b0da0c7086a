// Package cli implements flowctl, a command-line front end to the tree
// operations.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/config"
	"github.com/fruitsalade/flowshelf/internal/journal"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/sandbox"
	"github.com/fruitsalade/flowshelf/internal/tree"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app carries state shared by subcommands once the root is resolved.
type app struct {
	root    string
	verbose bool

	mutator *tree.Mutator
	lister  *tree.Lister
	journal *journal.Journal
}

// NewRootCmd builds the flowctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "flowctl",
		Short: "Manage a workflow library from the command line",
		Long: `flowctl browses and reorganizes a directory of workflow documents.

Preview images next to a workflow (same base name, .webp/.png/.jpg/.jpeg/.gif/.bmp)
follow it on rename, move, copy and delete unless --no-sync is given.

Quick Start:
  flowctl ls                          # List the library root
  flowctl mkdir portraits             # Create a folder
  flowctl mv draft.json portraits     # Move a workflow and its preview
  flowctl watch                       # Follow changes on a running server`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.root, "root", "", "Workflow library root (default: WORKFLOWS_ROOT or config)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newLsCmd(a),
		newMkdirCmd(a),
		newRenameCmd(a),
		newMvCmd(a),
		newCpCmd(a),
		newRmCmd(a),
		newUploadCmd(a),
		newCatCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}

// Run executes flowctl with ctx and returns the process exit code.
func Run(ctx context.Context) int {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		return 1
	}
	return 0
}

func (a *app) setup(cmd *cobra.Command) error {
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	if err := logging.Init(logging.Config{Level: level, Format: "console", OutputPath: "stderr"}); err != nil {
		return err
	}

	// watch talks to a server and needs no local library.
	if cmd.Annotations["remote"] == "true" {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.root == "" {
		a.root = cfg.WorkflowsRoot
	}

	res, err := sandbox.New(a.root)
	if err != nil {
		return err
	}

	opts := []tree.Option{}
	if cfg.JournalDriver != "" {
		j, err := journal.Open(cmd.Context(), cfg.JournalDriver, cfg.JournalDSN)
		if err != nil {
			logging.Warn("activity journal unavailable", zap.Error(err))
		} else {
			a.journal = j
			opts = append(opts, tree.WithRecorder(j))
		}
	}

	a.mutator = tree.New(res, opts...)
	a.lister = tree.NewLister(res)
	logging.Debug("library opened", zap.String("root", res.Root()))
	return nil
}

func (a *app) close() {
	if a.journal != nil {
		a.journal.Close()
	}
	logging.Sync()
}
