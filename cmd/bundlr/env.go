package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"charm.land/glamour/v2"
	"github.com/mark3labs/bundlr/internal/config"
	"github.com/mark3labs/bundlr/internal/evidence"
	"github.com/mark3labs/bundlr/internal/gate"
	"github.com/mark3labs/bundlr/internal/logger"
	"github.com/mark3labs/bundlr/internal/nats"
	"github.com/mark3labs/bundlr/internal/pipeline"
	"github.com/spf13/cobra"
)

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"run":          "run",
	"data-dir":     "data_dir",
	"output-dir":   "output_dir",
	"title":        "title",
	"template-dir": "template_dir",
	"log-level":    "log_level",
	"budget":       "budget",
}

// loadConfig layers the changed CLI flags over env, files and defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

// runEnv is an opened run: config, journal and pipeline.
type runEnv struct {
	cfg      *config.Config
	journal  *nats.Journal
	pipeline *pipeline.Pipeline
}

// openRun loads config, starts the embedded journal and replays the run.
func openRun(ctx context.Context, cmd *cobra.Command) (*runEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	opts, err := pipeline.OptionsFromConfig(cfg, wd)
	if err != nil {
		return nil, err
	}

	logger.Debug("Opening journal in %s", cfg.DataDir)
	nj, err := nats.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	journal := evidence.NewJournal(nj.JetStream, nj.Stream, cfg.Run)
	if rootFlags.reset {
		if err := journal.Reset(ctx); err != nil {
			_ = nj.Close()
			return nil, fmt.Errorf("failed to reset run %s: %w", cfg.Run, err)
		}
		logger.Info("Reset run %s", cfg.Run)
	}

	p, err := pipeline.New(ctx, opts, journal)
	if err != nil {
		_ = nj.Close()
		return nil, err
	}
	return &runEnv{cfg: cfg, journal: nj, pipeline: p}, nil
}

// Close stops the embedded journal.
func (e *runEnv) Close() {
	if err := e.journal.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}
}

// withRun opens the run, cancels its context on SIGINT/SIGTERM and closes it
// when fn returns.
func withRun(cmd *cobra.Command, fn func(ctx context.Context, env *runEnv) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openRun(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

// halted prints the ContextDigest when err is a gate halt and returns err, so
// the command exits non-zero.
func halted(cmd *cobra.Command, env *runEnv, err error) error {
	if err == nil {
		return nil
	}
	h, ok := gate.AsHalt(err)
	if !ok {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(env.pipeline.Digest(), 100))
	if len(h.Details) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Unresolved: %s\n", strings.Join(h.Details, ", "))
	}
	return err
}

// renderMarkdown renders markdown for the terminal with glamour.
// Falls back to plain text if rendering fails.
func renderMarkdown(content string, width int) string {
	if width > 120 {
		width = 120
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSuffix(rendered, "\n")
}
