package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLocal_BasicCommand(t *testing.T) {
	s := NewLocal("s-1", LocalConfig{}, testLogger())

	result, err := s.Exec(context.Background(), "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", result.Stdout)
	}
}

func TestLocal_ExitCodeAndStderr(t *testing.T) {
	s := NewLocal("s-1", LocalConfig{}, testLogger())

	result, err := s.Exec(context.Background(), "echo oops >&2; exit 3", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestLocal_Timeout(t *testing.T) {
	s := NewLocal("s-1", LocalConfig{}, testLogger())

	start := time.Now()
	result, err := s.Exec(context.Background(), "sleep 30 & sleep 30", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected timeout")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v; background child kept the command alive", elapsed)
	}
}

func TestLocal_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	s := NewLocal("s-1", LocalConfig{WorkingDir: dir}, testLogger())

	result, err := s.Exec(context.Background(), "pwd", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// macOS temp dirs resolve through /private.
	if !strings.HasSuffix(strings.TrimSpace(result.Stdout), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", result.Stdout, dir)
	}
}

func TestLocal_OutputCap(t *testing.T) {
	s := NewLocal("s-1", LocalConfig{MaxOutputBytes: 100}, testLogger())

	result, err := s.Exec(context.Background(), "yes | head -c 1000", 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Stdout) != 100 || !result.Truncated {
		t.Errorf("len(stdout) = %d truncated = %v", len(result.Stdout), result.Truncated)
	}
}

func TestLocal_ClosedIsLost(t *testing.T) {
	s := NewLocal("s-1", LocalConfig{}, testLogger())
	s.Close()

	if s.Alive(context.Background()) {
		t.Error("closed session reports alive")
	}
	if _, err := s.Exec(context.Background(), "true", time.Second); !errors.Is(err, ErrSessionLost) {
		t.Errorf("err = %v, want ErrSessionLost", err)
	}
}

func TestTargetDescriptor(t *testing.T) {
	tests := []struct {
		t    Target
		want string
	}{
		{Target{Kind: KindLocal}, "local"},
		{Target{Kind: KindRemote, Host: "10.0.0.5", User: "root"}, "root@10.0.0.5:22"},
		{Target{Kind: KindRemote, Host: "10.0.0.5", Port: 2222, Password: "secret"}, "10.0.0.5:2222"},
	}
	for _, tt := range tests {
		if got := tt.t.Descriptor(); got != tt.want {
			t.Errorf("Descriptor() = %q, want %q", got, tt.want)
		}
	}
}
