package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/editor"
	"github.com/mark3labs/bundlr/internal/interview"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/spf13/cobra"
)

var answerFlags struct {
	file     string
	template string
	edit     bool
	form     bool
}

var answerCmd = &cobra.Command{
	Use:   "answer",
	Short: "Answer the current round of questions",
	Long: `Answer the current interview round.

  --template <path>  write a commented answer file for the round ("-" for stdout)
  --file <path>      submit answers from a JSONC answer file
  --edit             open the answer template in $EDITOR and submit the result
  --form             answer interactively in the terminal

An answer of "not-required: <reason>" records that the gap does not apply.
Empty and placeholder answers (TBD, ?, N/A...) leave the question open.`,
	Args: cobra.NoArgs,
	RunE: runAnswer,
}

func init() {
	answerCmd.Flags().StringVarP(&answerFlags.file, "file", "f", "", "Answer file (JSONC)")
	answerCmd.Flags().StringVarP(&answerFlags.template, "template", "t", "", "Write an answer template to this path")
	answerCmd.Flags().BoolVarP(&answerFlags.edit, "edit", "e", false, "Edit the answer template in $EDITOR")
	answerCmd.Flags().BoolVar(&answerFlags.form, "form", false, "Answer in an interactive form")
	answerCmd.MarkFlagsMutuallyExclusive("file", "template", "edit", "form")
	answerCmd.MarkFlagsOneRequired("file", "template", "edit", "form")
}

func runAnswer(cmd *cobra.Command, args []string) error {
	return withRun(cmd, func(ctx context.Context, env *runEnv) error {
		p := env.pipeline
		round, err := p.Pending(ctx)
		if err != nil {
			return halted(cmd, env, err)
		}
		if len(round.Questions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No open questions. Run 'bundlr build' to generate the series.")
			return nil
		}

		var answers []interview.Answer
		switch {
		case answerFlags.template != "":
			return writeTemplate(cmd.OutOrStdout(), answerFlags.template, round)
		case answerFlags.file != "":
			n, parsed, err := interview.ReadAnswers(answerFlags.file)
			if err != nil {
				return err
			}
			warnRound(cmd, n, round.Number)
			answers = parsed
		case answerFlags.edit:
			answers, err = editAnswers(cmd, round)
			if err != nil {
				return err
			}
		case answerFlags.form:
			answers, err = interview.RunForm(round)
			if err != nil {
				return err
			}
		}

		res, err := p.Submit(ctx, answers)
		printResult(cmd.OutOrStdout(), res)
		return halted(cmd, env, err)
	})
}

func writeTemplate(stdout io.Writer, path string, round interview.Round) error {
	data := interview.Template(round)
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	fmt.Fprintf(stdout, "Answer template for round %d written to %s\n", round.Number, path)
	return nil
}

// editAnswers opens the round's template in the user's editor and parses
// whatever was saved.
func editAnswers(cmd *cobra.Command, round interview.Round) ([]interview.Answer, error) {
	tmpfile, err := os.CreateTemp("", "bundlr-answers-*.jsonc")
	if err != nil {
		return nil, fmt.Errorf("failed to create answer file: %w", err)
	}
	path := tmpfile.Name()
	defer func() { _ = os.Remove(path) }()

	if _, err := tmpfile.Write(interview.Template(round)); err != nil {
		_ = tmpfile.Close()
		return nil, fmt.Errorf("failed to write answer file: %w", err)
	}
	if err := tmpfile.Close(); err != nil {
		return nil, fmt.Errorf("failed to write answer file: %w", err)
	}

	c, err := editor.Command("bundlr", path)
	if err != nil {
		return nil, fmt.Errorf("failed to start editor: %w", err)
	}
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return nil, fmt.Errorf("editor exited with error: %w", err)
	}

	n, answers, err := interview.ReadAnswers(path)
	if err != nil {
		return nil, err
	}
	warnRound(cmd, n, round.Number)
	return answers, nil
}

func warnRound(cmd *cobra.Command, got, want int) {
	if got != 0 && got != want {
		logger.Warn("Answer file is for round %d, current round is %d", got, want)
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: answer file is for round %d, current round is %d\n", got, want)
	}
}

func printResult(w io.Writer, res interview.Result) {
	fmt.Fprintf(w, "Accepted %d answers", len(res.Accepted))
	if len(res.Recorded) > 0 {
		fmt.Fprintf(w, " (evidence %v)", res.Recorded)
	}
	fmt.Fprintln(w)
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "  rejected %s: %s\n", r.QuestionID, r.Reason)
	}
	if len(res.Pending) > 0 {
		fmt.Fprintf(w, "%d questions still open. Run 'bundlr questions' for the next round.\n", len(res.Pending))
	} else {
		fmt.Fprintln(w, "No open questions. Run 'bundlr build' to generate the series.")
	}
}
