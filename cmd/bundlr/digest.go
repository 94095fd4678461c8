package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var digestFlags struct {
	raw   bool
	width int
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print the run's ContextDigest",
	Long: `Print the ContextDigest for the run's current state: recorded evidence,
open questions and blockers.`,
	Args: cobra.NoArgs,
	RunE: runDigest,
}

func init() {
	digestCmd.Flags().BoolVar(&digestFlags.raw, "raw", false, "Print markdown without terminal rendering")
	digestCmd.Flags().IntVarP(&digestFlags.width, "width", "w", 100, "Word wrap width")
}

func runDigest(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		digest := env.pipeline.Digest()
		if digestFlags.raw {
			fmt.Fprint(cmd.OutOrStdout(), digest)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(digest, digestFlags.width))
		return nil
	})
}
