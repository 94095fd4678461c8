// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for bundlr.
type Config struct {
	DataDir       string          `mapstructure:"data_dir" yaml:"data_dir"`
	Run           string          `mapstructure:"run" yaml:"run"`
	OutputDir     string          `mapstructure:"output_dir" yaml:"output_dir"`
	LogLevel      string          `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string          `mapstructure:"log_file" yaml:"log_file"`
	Title         string          `mapstructure:"title" yaml:"title"`
	TemplateDir   string          `mapstructure:"template_dir" yaml:"template_dir"`
	MaxRetries    int             `mapstructure:"max_retries" yaml:"max_retries"`
	MaxIdleRounds int             `mapstructure:"max_idle_rounds" yaml:"max_idle_rounds"`
	RoundMin      int             `mapstructure:"round_min" yaml:"round_min"`
	RoundMax      int             `mapstructure:"round_max" yaml:"round_max"`
	Budget        int             `mapstructure:"budget" yaml:"budget"`
	Estimator     EstimatorConfig `mapstructure:"estimator" yaml:"estimator"`
}

// EstimatorConfig holds the weights of the declared line-estimate heuristic.
type EstimatorConfig struct {
	Base           int `mapstructure:"base" yaml:"base"`
	PerDeliverable int `mapstructure:"per_deliverable" yaml:"per_deliverable"`
	PerContract    int `mapstructure:"per_contract" yaml:"per_contract"`
}

// envKeys lists every key that gets an explicit BUNDLR_* binding.
var envKeys = []string{
	"data_dir",
	"run",
	"output_dir",
	"log_level",
	"log_file",
	"title",
	"template_dir",
	"max_retries",
	"max_idle_rounds",
	"round_min",
	"round_max",
	"budget",
	"estimator.base",
	"estimator.per_deliverable",
	"estimator.per_contract",
}

// Default returns the configuration used when no file, env var or flag says otherwise.
func Default() *Config {
	return &Config{
		DataDir:       ".bundlr",
		Run:           "default",
		OutputDir:     ".",
		LogLevel:      "info",
		MaxRetries:    3,
		MaxIdleRounds: 2,
		RoundMin:      8,
		RoundMax:      15,
		Budget:        500,
		Estimator: EstimatorConfig{
			Base:           40,
			PerDeliverable: 110,
			PerContract:    15,
		},
	}
}

// New returns a viper instance carrying defaults, env bindings and any
// global/project config files. Callers may bind CLI flags onto it before Unmarshal.
func New() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("bundlr")

	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("run", d.Run)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("title", "")
	v.SetDefault("template_dir", "")
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("max_idle_rounds", d.MaxIdleRounds)
	v.SetDefault("round_min", d.RoundMin)
	v.SetDefault("round_max", d.RoundMax)
	v.SetDefault("budget", d.Budget)
	v.SetDefault("estimator.base", d.Estimator.Base)
	v.SetDefault("estimator.per_deliverable", d.Estimator.PerDeliverable)
	v.SetDefault("estimator.per_contract", d.Estimator.PerContract)

	v.SetEnvPrefix("BUNDLR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range envKeys {
		env := "BUNDLR_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return v, nil
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v, err := New()
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode unmarshals a prepared viper instance and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Run == "" || strings.ContainsAny(c.Run, ". *>") {
		return fmt.Errorf("run must be a non-empty name without dots, spaces or wildcards, got %q", c.Run)
	}
	if c.Budget <= 0 {
		return fmt.Errorf("budget must be > 0, got %d", c.Budget)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.MaxIdleRounds < 1 {
		return fmt.Errorf("max_idle_rounds must be >= 1, got %d", c.MaxIdleRounds)
	}
	if c.RoundMin < 1 || c.RoundMax < c.RoundMin {
		return fmt.Errorf("round size must satisfy 1 <= round_min <= round_max, got %d..%d", c.RoundMin, c.RoundMax)
	}
	if c.Estimator.PerDeliverable <= 0 {
		return fmt.Errorf("estimator.per_deliverable must be > 0")
	}
	if c.Estimator.Base < 0 || c.Estimator.PerContract < 0 {
		return fmt.Errorf("estimator weights must be >= 0")
	}
	return nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/bundlr/bundlr.yml or $XDG_CONFIG_HOME/bundlr/bundlr.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bundlr", "bundlr.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "bundlr", "bundlr.yml")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return "bundlr.yml"
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
