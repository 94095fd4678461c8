package main

import (
	"context"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/fang"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/spf13/cobra"
)

const (
	logoText1 = "█▀▄ █ █ █▄ █ █▀▄ █   █▀█"
	logoText2 = "█▄█ █▄█ █ ▀█ █▄▀ █▄▄ █▀▄"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	// Ensure logger is closed on exit
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(version)); err != nil {
		logger.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bundlr",
	Short: "Gated planning-artifact generator",
}

var rootFlags struct {
	run         string
	dataDir     string
	outputDir   string
	title       string
	templateDir string
	logLevel    string
	budget      int
	reset       bool
}

// renderLogo creates the two-tone logo
func renderLogo() string {
	line1 := lipgloss.NewStyle().Foreground(lipgloss.Color("#cba6f7")).Render(logoText1)
	line2 := lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Render(logoText2)
	return strings.Join([]string{line1, line2}, "\n")
}

func init() {
	rootCmd.Long = renderLogo() + `

bundlr turns a brief and its context documents into a series of review-sized,
self-contained task bundles. Facts are recorded as evidence, gaps become
interview questions, and nothing is written until every blocker is resolved
and the candidate series passes validation.

Configuration precedence:
  CLI flags > BUNDLR_* environment > ./bundlr.yml > ~/.config/bundlr/bundlr.yml > defaults`

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.run, "run", "r", "", "Run name (default: from config, \"default\")")
	pf.StringVar(&rootFlags.dataDir, "data-dir", "", "Data directory for the run journal (default: .bundlr)")
	pf.StringVarP(&rootFlags.outputDir, "output-dir", "o", "", "Directory receiving BUNDLES/ and BUNDLE_SERIES/ (default: .)")
	pf.StringVar(&rootFlags.title, "title", "", "Series title (default: title of the primary document)")
	pf.StringVar(&rootFlags.templateDir, "template-dir", "", "Directory of document template overrides")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.IntVar(&rootFlags.budget, "budget", 0, "Per-bundle line budget (default: 500)")
	pf.BoolVar(&rootFlags.reset, "reset", false, "Discard the run's journal before starting")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(serveInterviewCmd)
	rootCmd.AddCommand(setupCmd)
}
