package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/bundlr/internal/gaps"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the name of the collaborator configuration file.
const ConfigFileName = ".bundlr.collab.yml"

// DefaultTimeout is the default command timeout in seconds.
const DefaultTimeout = 60

// Config is the top-level configuration loaded from .bundlr.collab.yml.
//
//	version: 1
//	extract:
//	  command: "my-extractor --source {{source}}"
//	  timeout: 120
//	phrase:
//	  command: "my-phraser {{question}}"
type Config struct {
	Version int         `yaml:"version"`
	Extract *HookConfig `yaml:"extract"`
	Phrase  *HookConfig `yaml:"phrase"`
}

// HookConfig defines one command.
type HookConfig struct {
	Command string `yaml:"command"`
	Timeout int    `yaml:"timeout"` // seconds, default 60
}

// LoadConfig loads the collaborator configuration from the working directory.
// Returns nil if the file doesn't exist; the built-in collaborator is used.
// Returns an error only if the file exists but cannot be parsed.
func LoadConfig(workDir string) (*Config, error) {
	configPath := filepath.Join(workDir, ConfigFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No collaborator config found at %s", configPath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read collaborator config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse collaborator config: %w", err)
	}

	log.Debug("Loaded collaborator config from %s (version: %d)", configPath, cfg.Version)
	return &cfg, nil
}

// CommandExtractor runs a shell command with the document on stdin and reads
// an Extraction as JSON from stdout. {{source}} in the command expands to the
// source reference, which is also exported as BUNDLR_SOURCE.
type CommandExtractor struct {
	Hook    *HookConfig
	WorkDir string
}

func (c *CommandExtractor) Extract(ctx context.Context, src Source) (Extraction, error) {
	out, err := run(ctx, c.Hook, c.WorkDir, src.Text, map[string]string{"source": src.Ref})
	if err != nil {
		return Extraction{}, fmt.Errorf("extracting %s: %w", src.Ref, err)
	}
	var ex Extraction
	if err := json.Unmarshal(out, &ex); err != nil {
		return Extraction{}, fmt.Errorf("extracting %s: parsing command output: %w", src.Ref, err)
	}
	for i := range ex.Items {
		ex.Items[i].ID = ""
		if ex.Items[i].SourceRef == "" {
			ex.Items[i].SourceRef = src.Ref
		}
	}
	log.Debug("Command extracted %d items from %s", len(ex.Items), src.Ref)
	return ex, nil
}

// CommandPhraser runs a shell command with the question as JSON on stdin and
// takes stdout as the new wording. {{question}} expands to the question ID.
// A failing command keeps the original wording.
type CommandPhraser struct {
	Hook    *HookConfig
	WorkDir string
}

func (c *CommandPhraser) Phrase(ctx context.Context, q gaps.Question) (string, error) {
	in, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("encoding question: %w", err)
	}
	out, err := run(ctx, c.Hook, c.WorkDir, in, map[string]string{"question": q.ID})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn("Phrasing %s failed, keeping default wording: %v", q.ID, err)
		return q.Text, nil
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes hook via sh with stdin and returns stdout.
func run(ctx context.Context, hook *HookConfig, workDir string, stdin []byte, vars map[string]string) ([]byte, error) {
	if hook == nil || hook.Command == "" {
		return nil, fmt.Errorf("no command configured")
	}
	command := expandVariables(hook.Command, vars)
	log.Debug("Executing collaborator command: %s", command)

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, "BUNDLR_"+strings.ToUpper(k)+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %ds: %s", timeout, command)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return nil, fmt.Errorf("command failed: %w: %s", err, msg)
	}
	if stderr.Len() > 0 {
		log.Debug("Collaborator stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// expandVariables replaces {{variable}} placeholders in the command string.
func expandVariables(command string, vars map[string]string) string {
	result := command
	for name, value := range vars {
		result = strings.ReplaceAll(result, "{{"+name+"}}", value)
	}
	return result
}
