package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/session"
)

// DefaultTimeout bounds one save.
const DefaultTimeout = 10 * time.Second

// Checkpointer saves engagement state for the loop. A failed save is
// logged and left pending; the next call retries with current state.
// Checkpoint failures never stop an engagement.
type Checkpointer struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending bool
	lastErr error
	saves   int
}

// NewCheckpointer wraps store. A zero timeout uses DefaultTimeout.
func NewCheckpointer(store Store, timeout time.Duration, log *slog.Logger) *Checkpointer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{store: store, timeout: timeout, log: log}
}

// Checkpoint snapshots e and saves it with the memory state and session
// list. It returns the save error, which callers normally only log.
func (c *Checkpointer) Checkpoint(ctx context.Context, trigger Trigger, e *engagement.Engagement, mem memory.State, sessions []session.Info) error {
	r := &Record{
		Version:    RecordVersion,
		Trigger:    trigger,
		SavedAt:    time.Now().UTC(),
		Engagement: e.Snapshot(),
		Memory:     mem,
		Sessions:   sessions,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.store.Save(ctx, r)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		retry := c.pending
		c.pending = true
		c.lastErr = err
		c.log.Error("checkpoint failed; will retry next iteration",
			"engagement", e.ID,
			"trigger", trigger,
			"retry", retry,
			"error", err,
		)
		return fmt.Errorf("checkpoint %s: %w", e.ID, err)
	}
	if c.pending {
		c.log.Info("checkpoint recovered", "engagement", e.ID, "after_error", c.lastErr)
	}
	c.pending = false
	c.lastErr = nil
	c.saves++
	c.log.Debug("checkpoint saved",
		"engagement", e.ID,
		"trigger", trigger,
		"iteration", e.Iteration,
		"phase", e.Phase,
	)
	return nil
}

// Pending reports whether the most recent save failed.
func (c *Checkpointer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Saves returns the number of successful saves.
func (c *Checkpointer) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

// Load returns a stored record.
func (c *Checkpointer) Load(ctx context.Context, id string) (*Record, error) {
	return c.store.Load(ctx, id)
}
