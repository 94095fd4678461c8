package main

import (
	"context"
	"fmt"
	"io"

	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/mark3labs/bundlr/internal/pipeline"
	"github.com/spf13/cobra"
)

var buildFlags struct {
	showDiff bool
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Plan, decompose, validate and write the bundle series",
	Long: `Generate the bundle series for the run.

The build passes the blocker gate, derives a plan from the evidence, splits it
into budget-compliant bundles and validates them, feeding violations back into
decomposition a bounded number of times. BUNDLES/ and BUNDLE_SERIES/ are
written in one step only when every check passes. On any halt nothing is
written and the ContextDigest is printed instead.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var runFlags struct {
	answers  string
	showDiff bool
}

var runCmd = &cobra.Command{
	Use:   "run <primary> [context...]",
	Short: "Ingest, answer and build in one step",
	Long: `Ingest the documents, submit an optional answer file for the current
round, and build. Equivalent to 'bundlr ingest', 'bundlr answer --file' and
'bundlr build' run in sequence.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	buildCmd.Flags().BoolVar(&buildFlags.showDiff, "diff", false, "Print the SeriesManifest.json diff against the previous output")
	runCmd.Flags().StringVarP(&runFlags.answers, "answers", "a", "", "Answer file (JSONC) for the current round")
	runCmd.Flags().BoolVar(&runFlags.showDiff, "diff", false, "Print the SeriesManifest.json diff against the previous output")
}

func runBuild(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		res, err := env.pipeline.Build(ctx)
		if err != nil {
			return halted(cmd, env, err)
		}
		printBuild(cmd.OutOrStdout(), env, res, buildFlags.showDiff)
		return nil
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	sources, err := pipeline.ReadSources(args[0], args[1:]...)
	if err != nil {
		return err
	}
	var answers []interview.Answer
	if runFlags.answers != "" {
		_, answers, err = interview.ReadAnswers(runFlags.answers)
		if err != nil {
			return err
		}
	}
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		res, err := env.pipeline.Run(ctx, sources, answers)
		if err != nil {
			return halted(cmd, env, err)
		}
		printBuild(cmd.OutOrStdout(), env, res, runFlags.showDiff)
		return nil
	})
}

func printBuild(w io.Writer, env *runEnv, res *pipeline.BuildResult, showDiff bool) {
	fmt.Fprintf(w, "Series %q: %d bundles written to %s\n", env.pipeline.Title(), len(res.Series.Bundles), env.cfg.OutputDir)
	for i, b := range res.Series.Bundles {
		fmt.Fprintf(w, "  %d. %s (~%d lines)\n", i+1, b.Slug, b.LinesEstimate)
	}
	if res.ManifestDiff == "" {
		return
	}
	if showDiff {
		fmt.Fprintln(w)
		fmt.Fprint(w, res.ManifestDiff)
		return
	}
	fmt.Fprintln(w, "The previous series manifest was replaced. Use --diff to see the changes.")
}
