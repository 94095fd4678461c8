package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	stdio bool
}

var serveInterviewCmd = &cobra.Command{
	Use:   "serve-interview",
	Short: "Serve the interview to an agent over MCP",
	Long: `Serve the run's interview over MCP with two tools:

  pending-questions  list the open questions of the current round
  submit-answers     answer questions, or mark them not required

By default the server listens on a random local HTTP port and exits once no
open questions remain. With --stdio it speaks MCP on stdin/stdout instead.`,
	Args: cobra.NoArgs,
	RunE: runServeInterview,
}

func init() {
	serveInterviewCmd.Flags().BoolVar(&serveFlags.stdio, "stdio", false, "Serve MCP over stdin/stdout")
}

func runServeInterview(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		srv := interview.NewServer(env.pipeline)
		if serveFlags.stdio {
			return srv.ServeStdio()
		}

		if _, err := srv.Start(ctx); err != nil {
			return fmt.Errorf("failed to start interview server: %w", err)
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error during shutdown: %v\n", err)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Interview MCP server listening on %s\n", srv.URL())

		select {
		case <-srv.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "All questions answered. Run 'bundlr build' to generate the series.")
			return nil
		case <-ctx.Done():
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down gracefully...")
			return nil
		}
	})
}
