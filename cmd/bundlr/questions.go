package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/spf13/cobra"
)

var questionsFlags struct {
	json bool
}

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "Show the current round of interview questions",
	Long: `Show the open questions of the current interview round. A round holds
between round_min and round_max questions, fewer only when fewer remain.`,
	Args: cobra.NoArgs,
	RunE: runQuestions,
}

func init() {
	questionsCmd.Flags().BoolVar(&questionsFlags.json, "json", false, "Print the round as JSON")
}

func runQuestions(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		round, err := env.pipeline.Pending(ctx)
		if err != nil {
			return halted(cmd, env, err)
		}
		out := cmd.OutOrStdout()
		if questionsFlags.json {
			data, err := json.MarshalIndent(round, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode round: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		printRound(out, round)
		return nil
	})
}

func printRound(w io.Writer, round interview.Round) {
	if len(round.Questions) == 0 {
		fmt.Fprintln(w, "No open questions.")
		return
	}
	fmt.Fprintf(w, "Round %d: %d questions\n\n", round.Number, len(round.Questions))
	for _, q := range round.Questions {
		fmt.Fprintf(w, "%s\n", q.ID)
		for _, line := range strings.Split(q.Text, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
		if q.ImpactNote != "" {
			fmt.Fprintf(w, "  Why it matters: %s\n", q.ImpactNote)
		}
		if len(q.EvidenceRefs) > 0 {
			fmt.Fprintf(w, "  Evidence: %s\n", strings.Join(q.EvidenceRefs, ", "))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "Answer with 'bundlr answer --form', '--edit', or '--file <answers.jsonc>'.")
}
