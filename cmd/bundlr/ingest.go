package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/bundlr/internal/pipeline"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <primary> [context...]",
	Short: "Record evidence from a brief and its context documents",
	Long: `Extract evidence from the primary document and any context documents and
append it to the run's journal. Re-ingesting unchanged documents records
nothing new. A fact that contradicts an earlier one on the same anchor halts
the run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	sources, err := pipeline.ReadSources(args[0], args[1:]...)
	if err != nil {
		return err
	}
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		p := env.pipeline
		before := p.Store().Len()
		if err := p.Ingest(ctx, sources); err != nil {
			return halted(cmd, env, err)
		}
		report := p.Report()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s: %d new evidence items (%d total)\n", env.cfg.Run, p.Store().Len()-before, p.Store().Len())
		if open := len(report.Open()); open > 0 {
			fmt.Fprintf(out, "%d open questions. Run 'bundlr questions' to see them.\n", open)
		} else {
			fmt.Fprintln(out, "No open questions. Run 'bundlr build' to generate the series.")
		}
		return nil
	})
}
