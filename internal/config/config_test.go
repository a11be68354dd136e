package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/talon.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "talon.yaml"), []byte("data_dir: /tmp/x\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "talon.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "talon.yaml")
	}
}

func TestLoad_DefaultsFilled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	os.WriteFile(path, []byte("models:\n  default: llama3.1:8b\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Models.Default != "llama3.1:8b" {
		t.Errorf("models.default = %q", cfg.Models.Default)
	}
	if cfg.Loop.MaxIterations != 200 {
		t.Errorf("loop.max_iterations = %d, want 200", cfg.Loop.MaxIterations)
	}
	if cfg.Policy.MaxRate != 10000 {
		t.Errorf("policy.max_rate = %d, want 10000", cfg.Policy.MaxRate)
	}
	if cfg.Policy.DestinationCallsPerMinute != 60 {
		t.Errorf("policy.destination_calls_per_minute = %d, want 60", cfg.Policy.DestinationCallsPerMinute)
	}
	if cfg.Compress.PassthroughChars != 2000 {
		t.Errorf("compress.passthrough_chars = %d, want 2000", cfg.Compress.PassthroughChars)
	}
	if cfg.Loop.PressureRatio != 0.92 {
		t.Errorf("loop.pressure_ratio = %v, want 0.92", cfg.Loop.PressureRatio)
	}
}

func TestLoad_CallLimitsIndependent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	os.WriteFile(path, []byte("policy:\n  session_calls_per_minute: 10\n  destination_calls_per_minute: 90\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Policy.SessionCallsPerMinute != 10 || cfg.Policy.DestinationCallsPerMinute != 90 {
		t.Errorf("limits = %d session, %d destination; want 10, 90",
			cfg.Policy.SessionCallsPerMinute, cfg.Policy.DestinationCallsPerMinute)
	}

	os.WriteFile(path, []byte("policy:\n  destination_calls_per_minute: -1\n"), 0600)
	if _, err := Load(path); err == nil {
		t.Error("expected error for negative destination limit")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: tcp://broker:1883\n  password: ${TALON_TEST_MQTT}\n"), 0600)
	t.Setenv("TALON_TEST_MQTT", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() {
		t.Error("expected mqtt to be configured")
	}
}

func TestLoad_RejectsBadApprovalMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	os.WriteFile(path, []byte("approval:\n  mode: maybe\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown approval mode")
	}
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talon.yaml")
	os.WriteFile(path, []byte("log_level: chatty\n"), 0600)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	cfg.Approval.DeadlineSec = 45

	if got := cfg.Sessions.DefaultTimeout(); got != 300*time.Second {
		t.Errorf("DefaultTimeout = %v", got)
	}
	if got := cfg.Approval.Deadline(); got != 45*time.Second {
		t.Errorf("Deadline = %v", got)
	}
	if got := cfg.EngagementsDir(); got != filepath.Join("./data", "engagements") {
		t.Errorf("EngagementsDir = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected TRACE level name, got %q", buf.String())
	}
}
