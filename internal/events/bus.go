// Package events is the in-process publish/subscribe bus for loop
// observability. The orchestrator publishes iteration, tool, approval
// and state events; subscribers such as the MQTT relay forward them to
// external monitors. The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so the loop needs no guard checks when nothing subscribes.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the orchestration loop.
	SourceLoop = "loop"
	// SourceSession identifies events from the session multiplexer.
	SourceSession = "session"
	// SourceMemory identifies events from the memory manager.
	SourceMemory = "memory"
)

// Kind constants describe the type of event within a source.
const (
	// KindEngagementStart signals the start or resumption of a run.
	// Data: engagement_id, name, phase, resumed.
	KindEngagementStart = "engagement_start"
	// KindIteration signals the start of a loop iteration.
	// Data: engagement_id, iteration, phase.
	KindIteration = "iteration"
	// KindModelResponse signals completion of a model call.
	// Data: engagement_id, iteration, model, tokens_in, tokens_out,
	// tool_calls.
	KindModelResponse = "model_response"
	// KindToolCall signals a validated tool call.
	// Data: engagement_id, correlation_id, tool, verdict, reason.
	KindToolCall = "tool_call"
	// KindToolDone signals the end of a tool call.
	// Data: engagement_id, correlation_id, tool, status, exit_code,
	// duration_ms.
	KindToolDone = "tool_done"
	// KindApproval signals an answered approval request.
	// Data: engagement_id, correlation_id, tool, approved.
	KindApproval = "approval"
	// KindFinding signals a recorded finding.
	// Data: engagement_id, finding_id, severity, title, target,
	// supersedes.
	KindFinding = "finding"
	// KindPhase signals a phase transition.
	// Data: engagement_id, from, to.
	KindPhase = "phase"
	// KindEngagementEnd signals a terminal state.
	// Data: engagement_id, status, iterations, findings, reason.
	KindEngagementEnd = "engagement_end"

	// KindSessionLost signals a session failure and the fallback.
	// Data: engagement_id, lost, active.
	KindSessionLost = "session_lost"

	// KindCompaction signals a memory compaction pass.
	// Data: engagement_id, condensed, archived, fallback, duration_ms.
	KindCompaction = "compaction"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only channel handed to a subscriber back
	// to the channel stored in subs.
	recv map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping it when the
// timestamp is unset. A full subscriber misses the event. Safe to call
// on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing source/kind with data.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. Callers
// must eventually Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
