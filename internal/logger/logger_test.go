package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr && err == nil {
				t.Errorf("expected error for input %q", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("expected %v, got %v for input %q", tt.expected, got, tt.input)
			}
		})
	}
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Error("messages below WARN should be dropped")
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Error("WARN and ERROR messages should be logged")
	}
}

func TestLogger_NamedSharesSink(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelDebug)

	gate := l.Named("gate")
	gate.Info("entered %s", "Planning")

	output := buf.String()
	if !strings.Contains(output, "[INFO] gate: entered Planning") {
		t.Errorf("expected component prefix, got %q", output)
	}

	// Level changes on the parent apply to named children.
	l.SetLevel(LevelError)
	buf.Reset()
	gate.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("named logger ignored parent level, got %q", buf.String())
	}
}

func TestLogger_EnvVarLogLevel(t *testing.T) {
	t.Setenv("BUNDLR_LOG_LEVEL", "debug")

	l := New()
	if l.sink.level != LevelDebug {
		t.Errorf("expected debug level from env var, got %v", l.sink.level)
	}
}

func TestLogger_Configure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundlr.log")

	l := New()
	if err := l.Configure("warn", path); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	l.Info("dropped")
	l.Warn("kept")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if strings.Contains(string(content), "dropped") {
		t.Error("info line should not reach the file at WARN level")
	}
	if !strings.Contains(string(content), "kept") {
		t.Error("warn line should reach the file")
	}

	if err := l.Configure("loud", ""); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestPackageLevelFunctions(t *testing.T) {
	var buf bytes.Buffer
	Default.SetOutput(&buf)
	Default.SetLevel(LevelDebug)
	defer Default.SetLevel(LevelInfo)

	Debug("debug %s", "test")
	Info("info %s", "test")
	Warn("warn %s", "test")
	Error("error %s", "test")
	Named("decompose").Info("named %s", "test")

	output := buf.String()
	for _, want := range []string{"debug test", "info test", "warn test", "error test", "decompose: named test"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q", want)
		}
	}
}
