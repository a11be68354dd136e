// Package session provides command-execution contexts and the
// multiplexer that owns them. A session is either a local shell or an
// SSH connection to a remote host; the multiplexer routes each command
// to an explicit session or to the single active one.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionLost is returned when a session's underlying process or
	// connection has gone away. The multiplexer marks the session
	// errored; callers should fall back to another session.
	ErrSessionLost = errors.New("session lost")

	// ErrNoViableSession is returned when no open session remains.
	ErrNoViableSession = errors.New("no viable session")

	// ErrUnknownSession is returned for ids the multiplexer never issued.
	ErrUnknownSession = errors.New("unknown session")
)

// Kind distinguishes local and remote sessions.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// State is a session lifecycle state. Sessions move from created to
// active when first selected, and end closed or errored.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateErrored State = "errored"
)

// Viable reports whether a session in this state can run commands.
func (s State) Viable() bool {
	return s == StateCreated || s == StateActive
}

// ExecResult is the raw outcome of one command.
type ExecResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Session is one command-execution context.
type Session interface {
	ID() string
	Kind() Kind
	// Descriptor is an opaque, human-readable endpoint description.
	Descriptor() string
	// Exec runs command, killing it when timeout elapses or ctx ends.
	// A timeout is reported through ExecResult.TimedOut, not an error.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	// Alive reports whether the session can still run commands.
	Alive(ctx context.Context) bool
	Close() error
}

// Info describes a session for listing.
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Descriptor   string    `json:"descriptor"`
	State        State     `json:"state"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Target describes the session to open.
type Target struct {
	Kind     Kind
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
}

// Descriptor renders the target without credentials.
func (t Target) Descriptor() string {
	if t.Kind == KindLocal {
		return "local"
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	if t.User == "" {
		return fmt.Sprintf("%s:%d", t.Host, port)
	}
	return fmt.Sprintf("%s@%s:%d", t.User, t.Host, port)
}

// DefaultMaxOutputBytes bounds captured stdout and stderr per command.
const DefaultMaxOutputBytes = 8 << 20

// cappedBuffer keeps the first max bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := c.max - c.buf.Len(); room < len(p) {
		c.truncated = true
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}
