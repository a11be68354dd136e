package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Opener creates the session for t under id.
type Opener func(ctx context.Context, id string, t Target) (Session, error)

// Config configures the sessions a multiplexer opens by default.
type Config struct {
	Local  LocalConfig
	Remote RemoteConfig
}

// DefaultOpener opens local shells and SSH connections.
func DefaultOpener(cfg Config, logger *slog.Logger) Opener {
	return func(ctx context.Context, id string, t Target) (Session, error) {
		switch t.Kind {
		case KindLocal:
			return NewLocal(id, cfg.Local, logger), nil
		case KindRemote:
			return DialRemote(ctx, id, t, cfg.Remote, logger)
		default:
			return nil, fmt.Errorf("unknown session kind %q", t.Kind)
		}
	}
}

type entry struct {
	sess         Session
	state        State
	createdAt    time.Time
	lastActivity time.Time
}

// Multiplexer owns every session of an engagement and the single
// active-session pointer. No other component holds a session.
type Multiplexer struct {
	open   Opener
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	active  string
	seq     int
}

// NewMultiplexer returns an empty multiplexer.
func NewMultiplexer(open Opener, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		open:    open,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Create opens a session. The first viable session becomes active.
func (m *Multiplexer) Create(ctx context.Context, t Target) (string, error) {
	m.mu.Lock()
	m.seq++
	id := "s-" + strconv.Itoa(m.seq)
	m.mu.Unlock()

	sess, err := m.open(ctx, id, t)
	if err != nil {
		return "", fmt.Errorf("open %s session %s: %w", t.Kind, t.Descriptor(), err)
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{sess: sess, state: StateCreated, createdAt: now, lastActivity: now}
	m.entries[id] = e
	m.order = append(m.order, id)
	if m.active == "" {
		m.activate(id)
	}
	m.logger.Info("session created",
		"session", id,
		"kind", sess.Kind(),
		"descriptor", sess.Descriptor(),
		"active", m.active == id,
	)
	return id, nil
}

// Switch makes id the active session.
func (m *Multiplexer) Switch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !e.state.Viable() {
		return fmt.Errorf("session %s is %s", id, e.state)
	}
	prev := m.active
	m.activate(id)
	m.logger.Info("active session switched", "from", prev, "to", id)
	return nil
}

// activate must be called with m.mu held.
func (m *Multiplexer) activate(id string) {
	m.active = id
	m.entries[id].state = StateActive
}

// Active returns the active session id, or "" when none is viable.
func (m *Multiplexer) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Execute runs command in session id, or in the active session when id
// is empty. A session whose connection is lost is marked errored and
// stops being active; callers then use [Multiplexer.Fallback].
func (m *Multiplexer) Execute(ctx context.Context, id, command string, timeout time.Duration) (*ExecResult, error) {
	m.mu.Lock()
	if id == "" {
		id = m.active
	}
	if id == "" {
		m.mu.Unlock()
		return nil, ErrNoViableSession
	}
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if !e.state.Viable() {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is %s: %w", id, e.state, ErrSessionLost)
	}
	sess := e.sess
	m.mu.Unlock()

	res, err := sess.Exec(ctx, command, timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.lastActivity = time.Now()
	if errors.Is(err, ErrSessionLost) {
		m.markErrored(id, err)
	}
	return res, err
}

// markErrored must be called with m.mu held.
func (m *Multiplexer) markErrored(id string, cause error) {
	e := m.entries[id]
	if e.state == StateErrored {
		return
	}
	e.state = StateErrored
	if m.active == id {
		m.active = ""
	}
	if err := e.sess.Close(); err != nil {
		m.logger.Debug("close errored session", "session", id, "error", err)
	}
	m.logger.Warn("session lost", "session", id, "error", cause)
}

// Fallback ensures a viable session is active, probing candidates in
// creation order. It returns the active id or ErrNoViableSession.
func (m *Multiplexer) Fallback(ctx context.Context) (string, error) {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.order))
	if m.active != "" {
		candidates = append(candidates, m.active)
	}
	for _, id := range m.order {
		if id != m.active && m.entries[id].state.Viable() {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		m.mu.Lock()
		e := m.entries[id]
		viable := e.state.Viable()
		m.mu.Unlock()
		if !viable {
			continue
		}

		if e.sess.Alive(ctx) {
			m.mu.Lock()
			if e.state.Viable() {
				m.activate(id)
				m.mu.Unlock()
				m.logger.Info("fell back to session", "session", id)
				return id, nil
			}
			m.mu.Unlock()
			continue
		}

		m.mu.Lock()
		m.markErrored(id, errors.New("liveness probe failed"))
		m.mu.Unlock()
	}
	return "", ErrNoViableSession
}

// Close closes one session. Closing the active session moves the
// pointer to the next viable session, if any.
func (m *Multiplexer) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if e.state == StateClosed {
		return nil
	}
	err := e.sess.Close()
	e.state = StateClosed
	if m.active == id {
		m.active = ""
		for _, other := range m.order {
			if m.entries[other].state.Viable() {
				m.activate(other)
				break
			}
		}
	}
	m.logger.Info("session closed", "session", id, "active", m.active)
	if err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}
	return nil
}

// CloseAll closes every session in parallel. It is mandatory cleanup at
// the end of an engagement.
func (m *Multiplexer) CloseAll() error {
	m.mu.Lock()
	var open []*entry
	var ids []string
	for _, id := range m.order {
		e := m.entries[id]
		if e.state != StateClosed {
			open = append(open, e)
			ids = append(ids, id)
		}
		e.state = StateClosed
	}
	m.active = ""
	m.mu.Unlock()

	var g errgroup.Group
	for i, e := range open {
		id := ids[i]
		sess := e.sess
		g.Go(func() error {
			if err := sess.Close(); err != nil {
				return fmt.Errorf("close %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("all sessions closed", "count", len(open))
	return err
}

// List describes every session in creation order.
func (m *Multiplexer) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		out = append(out, Info{
			ID:           id,
			Kind:         e.sess.Kind(),
			Descriptor:   e.sess.Descriptor(),
			State:        e.state,
			Active:       id == m.active,
			CreatedAt:    e.createdAt,
			LastActivity: e.lastActivity,
		})
	}
	return out
}
