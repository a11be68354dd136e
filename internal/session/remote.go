package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RemoteConfig holds connection settings shared by remote sessions.
type RemoteConfig struct {
	// KnownHostsFile enables host key verification. Empty accepts any
	// host key.
	KnownHostsFile string
	DialTimeout    time.Duration
	MaxOutputBytes int
}

// RemoteSession runs commands over one SSH connection. Each command
// gets its own SSH channel so a hung command can be killed without
// dropping the connection.
type RemoteSession struct {
	id     string
	target Target
	client *ssh.Client
	max    int
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// DialRemote connects to t and returns a session.
func DialRemote(ctx context.Context, id string, t Target, cfg RemoteConfig, logger *slog.Logger) (*RemoteSession, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if t.Host == "" {
		return nil, fmt.Errorf("remote session requires a host")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	auth, err := authMethods(t)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	logger.Info("remote session connected", "session", id, "endpoint", t.Descriptor())
	return &RemoteSession{
		id:     id,
		target: t,
		client: ssh.NewClient(c, chans, reqs),
		max:    cfg.MaxOutputBytes,
		logger: logger,
	}, nil
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if t.KeyFile != "" {
		pem, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("remote session requires a password or key file")
	}
	return methods, nil
}

// ID implements Session.
func (s *RemoteSession) ID() string { return s.id }

// Kind implements Session.
func (s *RemoteSession) Kind() Kind { return KindRemote }

// Descriptor implements Session.
func (s *RemoteSession) Descriptor() string { return s.target.Descriptor() }

// Alive sends an SSH keepalive and reports whether it was answered.
func (s *RemoteSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	case <-time.After(5 * time.Second):
		return false
	}
}

// Close implements Session.
func (s *RemoteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Exec implements Session. On timeout the remote process is sent
// SIGKILL and its channel closed.
func (s *RemoteSession) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%s: open channel: %w: %w", s.id, ErrSessionLost, err)
	}
	defer sess.Close()

	stdout := &cappedBuffer{max: s.max}
	stderr := &cappedBuffer{max: s.max}
	sess.Stdout = stdout
	sess.Stderr = stderr

	start := time.Now()
	if err := sess.Start(command); err != nil {
		return nil, fmt.Errorf("%s: start: %w: %w", s.id, ErrSessionLost, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	result := &ExecResult{}
	select {
	case err = <-done:
	case <-timer:
		s.kill(sess)
		result.TimedOut = true
		result.ExitCode = -1
	case <-ctx.Done():
		s.kill(sess)
		<-done
		return nil, ctx.Err()
	}
	if result.TimedOut {
		// Wait returns once the channel is closed; don't hang on a
		// connection that has also stopped responding.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.truncated || stderr.truncated
	result.Duration = time.Since(start)
	if result.TimedOut {
		return result, nil
	}

	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missing), errors.Is(err, io.EOF):
			return result, fmt.Errorf("%s: %w: %w", s.id, ErrSessionLost, err)
		default:
			return result, fmt.Errorf("%s: wait: %w", s.id, err)
		}
	}
	return result, nil
}

func (s *RemoteSession) kill(sess *ssh.Session) {
	if err := sess.Signal(ssh.SIGKILL); err != nil {
		s.logger.Debug("signal remote command failed", "session", s.id, "error", err)
	}
	sess.Close()
}
