package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// LocalConfig configures local shell sessions.
type LocalConfig struct {
	Shell          string
	WorkingDir     string
	MaxOutputBytes int
}

// LocalSession runs each command in a fresh shell process group on the
// operator host. Killing the group on timeout leaves no orphaned
// children behind.
type LocalSession struct {
	id     string
	cfg    LocalConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewLocal creates a local session.
func NewLocal(id string, cfg LocalConfig, logger *slog.Logger) *LocalSession {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSession{id: id, cfg: cfg, logger: logger}
}

// ID implements Session.
func (s *LocalSession) ID() string { return s.id }

// Kind implements Session.
func (s *LocalSession) Kind() Kind { return KindLocal }

// Descriptor implements Session.
func (s *LocalSession) Descriptor() string { return "local:" + s.cfg.Shell }

// Alive implements Session.
func (s *LocalSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close implements Session.
func (s *LocalSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Exec implements Session.
func (s *LocalSession) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if !s.Alive(ctx) {
		return nil, fmt.Errorf("%s: %w", s.id, ErrSessionLost)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, s.cfg.Shell, "-c", command)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second

	stdout := &cappedBuffer{max: s.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: s.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.logger.Debug("local command timed out", "session", s.id, "timeout", timeout)
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else if !errors.Is(err, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("run %s: %w", s.cfg.Shell, err)
		}
	}
	return result, nil
}
