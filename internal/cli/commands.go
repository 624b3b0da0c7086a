package cli

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/flowshelf/internal/client"
	"github.com/fruitsalade/flowshelf/internal/models"
	"github.com/fruitsalade/flowshelf/internal/tree"
)

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List folders and workflows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			nodes, err := a.lister.List(cmd.Context(), dir)
			if err != nil {
				return err
			}
			printNodes(cmd.OutOrStdout(), dir, nodes)
			return nil
		},
	}
}

func printNodes(out io.Writer, dir string, nodes []models.Node) {
	title := "/" + dir
	fmt.Fprintln(out, headerStyle.Render(title))
	if len(nodes) == 0 {
		fmt.Fprintln(out, dateStyle.Render("(empty)"))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, n := range nodes {
		modified := dateStyle.Render(n.ModTime.Format("2006-01-02 15:04"))
		if n.IsDir() {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				dirStyle.Render(n.Name+"/"),
				countStyle.Render(fmt.Sprintf("%d workflows", n.WorkflowCount)),
				modified)
			continue
		}
		line := fmt.Sprintf("%s\t%s\t%s",
			workflowStyle.Render(n.Name), formatSize(n.Size), modified)
		if n.Preview != "" {
			line += "\t" + previewStyle.Render("preview: "+path.Base(n.Preview))
		}
		fmt.Fprintln(w, line)
	}
	w.Flush()
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newMkdirCmd(a *app) *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "mkdir NAME",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mutator.CreateDirectory(cmd.Context(), parent, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("created")+" "+res.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "Parent folder")
	return cmd
}

func newRenameCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "rename PATH NEWNAME",
		Short: "Rename a folder or workflow in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mutator.Rename(cmd.Context(), args[0], args[1], !noSync)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "renamed", args[0], res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Leave the preview image in place")
	return cmd
}

func newMvCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "mv SRC DIR",
		Short: "Move a folder or workflow into another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mutator.Move(cmd.Context(), args[0], args[1], !noSync)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "moved", args[0], res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Leave the preview image in place")
	return cmd
}

func newCpCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "cp SRC DIR",
		Short: "Copy a folder or workflow into another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mutator.Copy(cmd.Context(), args[0], args[1], !noSync)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "copied", args[0], res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Do not copy the preview image")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	var noSync bool
	cmd := &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete a folder (recursively) or workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.mutator.Delete(cmd.Context(), args[0], !noSync)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("deleted")+" "+res.Path)
			printCompanion(out, res.Companion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Keep the preview image")
	return cmd
}

func printResult(out io.Writer, verb, from string, res tree.Result) {
	fmt.Fprintf(out, "%s %s -> %s\n", successStyle.Render(verb), from, res.Path)
	printCompanion(out, res.Companion)
}

func printCompanion(out io.Writer, c *tree.CompanionResult) {
	switch {
	case c == nil:
	case c.Warning != "":
		fmt.Fprintln(out, warningStyle.Render("warning:")+" "+c.Warning)
	case c.Target != "":
		fmt.Fprintln(out, previewStyle.Render("preview: "+c.Source+" -> "+c.Target))
	default:
		fmt.Fprintln(out, previewStyle.Render("preview removed: "+c.Source))
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var (
		dir        string
		createDirs bool
	)
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Import workflow files into the library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]tree.UploadFile, 0, len(args))
			for _, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read %s: %w", p, err)
				}
				files = append(files, tree.UploadFile{Filename: filepath.Base(p), Content: data})
			}

			result, err := a.mutator.Upload(cmd.Context(), dir, files, createDirs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, u := range result.Uploaded {
				fmt.Fprintln(out, successStyle.Render("uploaded")+" "+u.Filename+" -> "+u.Path)
			}
			for _, f := range result.Failed {
				fmt.Fprintln(out, errorStyle.Render("failed")+" "+f.Filename+": "+f.Err.Error())
			}
			if len(result.Uploaded) == 0 {
				return fmt.Errorf("all %d uploads failed", len(result.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Target folder")
	cmd.Flags().BoolVar(&createDirs, "create-dirs", false, "Create the target folder if missing")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Print a workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.lister.ReadWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			out.Write(data)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		server string
		prefix string
	)
	cmd := &cobra.Command{
		Use:         "watch",
		Short:       "Follow changes on a running server",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"remote": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for ev := range client.NewSSEClient(server).Subscribe(cmd.Context()) {
				if !underPrefix(prefix, ev.Path) && !underPrefix(prefix, ev.OldPath) {
					continue
				}
				line := fmt.Sprintf("%s %-7s %s",
					dateStyle.Render(time.Unix(ev.Timestamp, 0).Format("15:04:05")),
					ev.Type, ev.Path)
				if ev.OldPath != "" {
					line += " (from " + ev.OldPath + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8188", "Server base URL")
	cmd.Flags().StringVar(&prefix, "path", "", "Only show events under this path")
	return cmd
}

func underPrefix(prefix, p string) bool {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return true
	}
	if p == "" {
		return false
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
