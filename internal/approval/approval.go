// Package approval implements the human-in-the-loop gate. The
// orchestrator suspends on [Gate.Request] until an operator answers, a
// deadline passes or the context is cancelled. Anything other than an
// explicit accept is a denial.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/talon/internal/tools"
)

// Request is what the operator is asked to decide.
type Request struct {
	Call   tools.Call
	Reason string
	Risk   string
	Asked  time.Time
}

// Prompter obtains an answer from the operator. Implementations block
// until an answer is available or ctx is done.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (bool, error)
}

// Gate serializes approval requests and applies the optional deadline.
type Gate struct {
	prompter Prompter
	deadline time.Duration
	logger   *slog.Logger

	mu sync.Mutex
}

// NewGate returns a gate that asks p. A zero deadline waits for as long
// as the context allows.
func NewGate(p Prompter, deadline time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{prompter: p, deadline: deadline, logger: logger}
}

// Request blocks until the operator accepts or denies call. Deadline
// expiry, cancellation and prompter errors all resolve to deny so the
// engagement continues instead of stalling.
func (g *Gate) Request(ctx context.Context, call tools.Call, reason, risk string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.deadline)
		defer cancel()
	}

	req := Request{Call: call, Reason: reason, Risk: risk, Asked: time.Now()}
	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := g.prompter.Prompt(ctx, req)
		ch <- answer{ok, err}
	}()

	log := g.logger.With("correlation_id", call.ID, "tool", call.Tool)
	log.Info("approval requested", "reason", reason, "risk", risk)

	select {
	case a := <-ch:
		if a.err != nil {
			log.Warn("approval prompt failed; denying", "error", a.err)
			return false
		}
		log.Info("approval answered", "approved", a.ok, "wait", time.Since(req.Asked).Round(time.Millisecond))
		return a.ok
	case <-ctx.Done():
		log.Warn("approval not answered; denying", "error", ctx.Err())
		return false
	}
}

// StaticPrompter answers every request the same way. It is used for
// unattended runs ("deny" or "accept" approval mode) and in tests.
type StaticPrompter struct {
	Answer bool
}

// Prompt implements Prompter.
func (p StaticPrompter) Prompt(ctx context.Context, req Request) (bool, error) {
	return p.Answer, nil
}

// ChannelPrompter hands requests to another goroutine over a dedicated
// channel and waits for the reply on the request's own channel.
type ChannelPrompter struct {
	requests chan Pending
}

// Pending is a request awaiting an answer on Reply.
type Pending struct {
	Request
	Reply chan<- bool
}

// NewChannelPrompter returns a prompter and the channel an operator
// surface reads pending requests from.
func NewChannelPrompter() (*ChannelPrompter, <-chan Pending) {
	ch := make(chan Pending)
	return &ChannelPrompter{requests: ch}, ch
}

// Prompt implements Prompter.
func (p *ChannelPrompter) Prompt(ctx context.Context, req Request) (bool, error) {
	reply := make(chan bool, 1)
	select {
	case p.requests <- Pending{Request: req, Reply: reply}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// TerminalPrompter asks on a text stream and reads a y/N answer.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalPrompter reads answers from in and writes prompts to out.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// Prompt implements Prompter. A read blocked on the terminal is
// abandoned when ctx ends; the gate has already denied by then.
func (p *TerminalPrompter) Prompt(ctx context.Context, req Request) (bool, error) {
	fmt.Fprintf(p.out, "\n=== APPROVAL REQUIRED (%s risk) ===\n", req.Risk)
	fmt.Fprintf(p.out, "Action:  %s\n", req.Call.Preview(400))
	if req.Call.Rationale != "" {
		fmt.Fprintf(p.out, "Why:     %s\n", req.Call.Rationale)
	}
	fmt.Fprintf(p.out, "Policy:  %s\n", req.Reason)
	fmt.Fprint(p.out, "Approve? [y/N] ")

	type line struct {
		s   string
		err error
	}
	ch := make(chan line, 1)
	go func() {
		s, err := p.in.ReadString('\n')
		ch <- line{s, err}
	}()

	select {
	case l := <-ch:
		if l.err != nil && l.s == "" {
			return false, fmt.Errorf("read answer: %w", l.err)
		}
		switch strings.ToLower(strings.TrimSpace(l.s)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	}
}
