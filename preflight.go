package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/peterje/muxhost/internal/app"
	"github.com/peterje/muxhost/internal/preflight"
	"github.com/peterje/muxhost/internal/pty"
)

func newPreflightCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that the shell and backend executables resolve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			shell := cfg.Terminal.Shell
			if shell == "" {
				shell = pty.DefaultShell()
			}
			backend := cfg.Backend.Path
			if backend == app.SelfBackend {
				if exe, err := os.Executable(); err == nil {
					backend = exe
				}
			}
			report := preflight.CheckAll(shell, backend, nil)
			printReport(cmd.OutOrStdout(), report)
			if !report.OK() {
				return fmt.Errorf("shell %q not found", shell)
			}
			return nil
		},
	}
}

func printReport(out io.Writer, report preflight.Report) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tCOMMAND\tSTATUS\tPATH")
	for _, tool := range report.Tools() {
		status := "missing"
		switch {
		case tool.Command == "":
			status = "not configured"
		case tool.Installed:
			status = "ok"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", tool.Name, tool.Command, status, tool.Path)
	}
	tw.Flush()
}
