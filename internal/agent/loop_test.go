package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/talon/internal/approval"
	"github.com/nugget/talon/internal/audit"
	"github.com/nugget/talon/internal/checkpoint"
	"github.com/nugget/talon/internal/compress"
	"github.com/nugget/talon/internal/engagement"
	"github.com/nugget/talon/internal/events"
	"github.com/nugget/talon/internal/llm"
	"github.com/nugget/talon/internal/memory"
	"github.com/nugget/talon/internal/policy"
	"github.com/nugget/talon/internal/prompts"
	"github.com/nugget/talon/internal/session"
	"github.com/nugget/talon/internal/tools"
	"github.com/nugget/talon/internal/usage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockLLM replays scripted responses, repeating the last one once the
// script runs out.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	calls     [][]llm.Message
}

func (m *mockLLM) Chat(_ context.Context, _ string, msgs []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msgs)
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mockLLM: no responses")
	}
	i := len(m.calls) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

// request returns the concatenated content of the i-th request.
func (m *mockLLM) request(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parts []string
	for _, msg := range m.calls[i] {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n---\n")
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func toolCall(name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func callResp(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func textResp(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: s}}
}

// fakeSession runs nothing; exec decides each command's result.
type fakeSession struct {
	id   string
	kind session.Kind

	mu       sync.Mutex
	exec     func(cmd string) (*session.ExecResult, error)
	commands []string
	closed   bool
}

func (f *fakeSession) ID() string           { return f.id }
func (f *fakeSession) Kind() session.Kind   { return f.kind }
func (f *fakeSession) Descriptor() string   { return "fake:" + f.id }
func (f *fakeSession) Alive(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSession) Exec(_ context.Context, cmd string, _ time.Duration) (*session.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if f.exec != nil {
		return f.exec(cmd)
	}
	return &session.ExecResult{Stdout: "ok\n"}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	exec     func(cmd string) (*session.ExecResult, error)
}

func (o *fakeOpener) open(_ context.Context, id string, t session.Target) (session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeSession{id: id, kind: t.Kind, exec: o.exec}
	o.sessions[id] = s
	return s, nil
}

func (o *fakeOpener) allCommands() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for i := 1; i <= len(o.sessions); i++ {
		s := o.sessions[fmt.Sprintf("s-%d", i)]
		s.mu.Lock()
		out = append(out, s.commands...)
		s.mu.Unlock()
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	records []audit.Record
}

func (a *fakeAudit) Append(_ context.Context, r audit.Record) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return int64(len(a.records)), nil
}

func (a *fakeAudit) verdicts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.records {
		out = append(out, r.Verdict+"/"+r.Outcome)
	}
	return out
}

type fakeUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (u *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
	return nil
}

type harnessOpts struct {
	scope      engagement.Scope
	approve    bool
	maxIter    int
	maxRetries int
	reports    bool
}

type harness struct {
	loop    *Loop
	llm     *mockLLM
	eng     *engagement.Engagement
	opener  *fakeOpener
	mux     *session.Multiplexer
	audit   *fakeAudit
	usage   *fakeUsage
	store   *checkpoint.FileStore
	bus     *events.Bus
	metrics *Metrics
}

func newHarness(t *testing.T, opts harnessOpts, responses ...*llm.ChatResponse) *harness {
	t.Helper()
	if len(opts.scope.Targets) == 0 {
		opts.scope = engagement.Scope{Targets: []string{"10.10.10.0/24"}}
	}
	e, err := engagement.New("lab", "assess the lab network", opts.scope)
	if err != nil {
		t.Fatal(err)
	}
	set, err := e.ScopeSet()
	if err != nil {
		t.Fatal(err)
	}

	catalog := tools.NewCatalog()
	engine, err := policy.NewEngine(set, catalog, policy.Config{MaxRate: 10000}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	opener := &fakeOpener{sessions: make(map[string]*fakeSession)}
	mux := session.NewMultiplexer(opener.open, testLogger())
	mock := &mockLLM{responses: responses}
	aud := &fakeAudit{}
	led := &fakeUsage{}
	bus := events.New()
	metrics := NewMetrics(prometheus.NewRegistry())

	cfg := Config{
		Model:              "test-model",
		MaxIterations:      opts.maxIter,
		MaxProtocolRetries: opts.maxRetries,
	}
	if opts.reports {
		cfg.ReportDir = t.TempDir()
	}

	loop := NewLoop(Deps{
		LLM:          mock,
		Catalog:      catalog,
		Policy:       engine,
		Approval:     approval.NewGate(approval.StaticPrompter{Answer: opts.approve}, 0, testLogger()),
		Sessions:     mux,
		Compressor:   compress.New(compress.DefaultConfig(), testLogger()),
		Memory:       memory.NewManager(e.ID, memory.DefaultConfig(), nil, nil, testLogger()),
		Checkpointer: checkpoint.NewCheckpointer(store, 0, testLogger()),
		Audit:        aud,
		Usage:        led,
		Events:       bus,
		Metrics:      metrics,
		Logger:       testLogger(),
	}, cfg)

	return &harness{
		loop:    loop,
		llm:     mock,
		eng:     e,
		opener:  opener,
		mux:     mux,
		audit:   aud,
		usage:   led,
		store:   store,
		bus:     bus,
		metrics: metrics,
	}
}

func (h *harness) run(t *testing.T) (*Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.loop.Run(ctx, h.eng)
}

func TestRun_OutOfScopeBlockedThenInScopeRuns(t *testing.T) {
	h := newHarness(t, harnessOpts{scope: engagement.Scope{Targets: []string{"10.10.10.5"}}},
		callResp(toolCall("port_scan", map[string]any{"target": "10.10.10.6"})),
		callResp(toolCall("port_scan", map[string]any{"target": "10.10.10.5"})),
		textResp("Scan complete. "+prompts.EngagementCompleteMarker),
	)

	out, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != engagement.StatusCompleted || out.Iterations != 3 {
		t.Errorf("outcome = %+v", out)
	}

	cmds := h.opener.allCommands()
	if len(cmds) != 1 {
		t.Fatalf("commands = %v, want exactly one", cmds)
	}
	if !strings.HasSuffix(cmds[0], " 10.10.10.5") || strings.Contains(cmds[0], "10.10.10.6") {
		t.Errorf("command = %q", cmds[0])
	}
	if got := h.audit.verdicts(); strings.Join(got, ",") != "block/blocked,allow/ok" {
		t.Errorf("audit = %v", got)
	}
	if req := h.llm.request(1); !strings.Contains(req, "blocked by policy: out of scope") {
		t.Errorf("block not fed back to the model:\n%s", req)
	}
	if !h.opener.sessions["s-1"].closed {
		t.Error("session left open after completion")
	}
}

func TestRun_RateClamped(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		callResp(toolCall("port_scan", map[string]any{"target": "10.10.10.5", "rate": float64(50000)})),
		textResp(prompts.EngagementCompleteMarker),
	)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	cmds := h.opener.allCommands()
	if len(cmds) != 1 || !strings.Contains(cmds[0], "--max-rate 10000") {
		t.Fatalf("commands = %v", cmds)
	}
	if got := h.audit.verdicts(); len(got) != 1 || got[0] != "modify/ok" {
		t.Errorf("audit = %v", got)
	}
	if req := h.llm.request(1); !strings.Contains(req, "rate clamped from 50000 to 10000") {
		t.Errorf("clamp not reported to the model:\n%s", req)
	}
	if h.eng.History[0].ArgsPreview != `port_scan rate=10000 target="10.10.10.5"` {
		t.Errorf("history records unclamped args: %q", h.eng.History[0].ArgsPreview)
	}
}

func TestRun_ApprovalDeniedNeverExecutes(t *testing.T) {
	h := newHarness(t, harnessOpts{approve: false},
		callResp(toolCall("exploit_run", map[string]any{"module": "exploit/unix/ftp/vsftpd_234_backdoor", "rhosts": "10.10.10.5"})),
		textResp(prompts.EngagementCompleteMarker),
	)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	if cmds := h.opener.allCommands(); len(cmds) != 0 {
		t.Errorf("denied call executed: %v", cmds)
	}
	if got := h.audit.verdicts(); len(got) != 1 || got[0] != "needs_approval/denied" {
		t.Errorf("audit = %v", got)
	}
	if req := h.llm.request(1); !strings.Contains(req, "propose an alternative") {
		t.Errorf("denial not fed back:\n%s", req)
	}
}

func TestRun_ApprovalAcceptedExecutes(t *testing.T) {
	h := newHarness(t, harnessOpts{approve: true},
		callResp(toolCall("exploit_run", map[string]any{"module": "exploit/unix/ftp/vsftpd_234_backdoor", "rhosts": "10.10.10.5"})),
		textResp(prompts.EngagementCompleteMarker),
	)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	cmds := h.opener.allCommands()
	if len(cmds) != 1 || !strings.HasPrefix(cmds[0], "msfconsole") {
		t.Errorf("commands = %v", cmds)
	}
}

func TestRun_IterationCapExhausts(t *testing.T) {
	h := newHarness(t, harnessOpts{maxIter: 5, reports: true},
		callResp(toolCall("execute_command", map[string]any{"command": "id"})),
	)

	out, err := h.run(t)
	if err != nil {
		t.Fatalf("exhaustion must not be an error: %v", err)
	}
	if out.Status != engagement.StatusExhausted || out.Iterations != 5 {
		t.Errorf("outcome = %+v", out)
	}
	if n := h.llm.callCount(); n != 5 {
		t.Errorf("model calls = %d, want 5", n)
	}
	if n := len(h.opener.allCommands()); n != 5 {
		t.Errorf("commands = %d, want 5", n)
	}
	if n := len(h.usage.records); n != 5 {
		t.Fatalf("usage records = %d, want 5", n)
	}
	if r := h.usage.records[4]; r.Iteration != 5 || r.InputTokens != 100 || r.Purpose != usage.PurposeReasoning {
		t.Errorf("last usage record = %+v", r)
	}

	rec, err := h.store.Load(context.Background(), h.eng.ID)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if rec.Trigger != checkpoint.TriggerTerminal || rec.Engagement.Status != engagement.StatusExhausted || rec.Engagement.Iteration != 5 {
		t.Errorf("checkpoint = trigger %s status %s iteration %d", rec.Trigger, rec.Engagement.Status, rec.Engagement.Iteration)
	}
	for _, s := range rec.Sessions {
		if s.State != session.StateClosed {
			t.Errorf("session %s checkpointed as %s", s.ID, s.State)
		}
	}

	data, err := os.ReadFile(out.ReportPath)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(string(data), "Partial engagement report") {
		t.Errorf("report not marked partial:\n%s", data)
	}
}

func TestRun_ExtraToolCallsDeclined(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		callResp(
			toolCall("execute_command", map[string]any{"command": "id"}),
			toolCall("execute_command", map[string]any{"command": "uname -a"}),
		),
		textResp(prompts.EngagementCompleteMarker),
	)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	if cmds := h.opener.allCommands(); len(cmds) != 1 || cmds[0] != "id" {
		t.Errorf("commands = %v", cmds)
	}
	if req := h.llm.request(1); !strings.Contains(req, prompts.DeclinedExtraCall) {
		t.Errorf("extra call not answered:\n%s", req)
	}
}

func TestRun_ProtocolErrorsAbort(t *testing.T) {
	bad := callResp(toolCall("launch_missiles", map[string]any{}))
	h := newHarness(t, harnessOpts{maxRetries: 2}, bad)

	out, err := h.run(t)
	if !errors.Is(err, ErrLoopAborted) {
		t.Fatalf("err = %v, want ErrLoopAborted", err)
	}
	if out.Status != engagement.StatusAborted {
		t.Errorf("status = %s", out.Status)
	}
	if n := h.llm.callCount(); n != 3 {
		t.Errorf("model calls = %d, want 3", n)
	}
	if req := h.llm.request(1); !strings.Contains(req, "Call exactly one of the available tools") {
		t.Errorf("no corrective message:\n%s", req)
	}
	if req := h.llm.request(2); strings.Count(req, "Call exactly one of the available tools") != 1 {
		t.Error("corrective messages accumulate across turns")
	}
	if !h.opener.sessions["s-1"].closed {
		t.Error("session left open after abort")
	}
	if got := testutil.ToFloat64(h.metrics.protocolErrors); got != 3 {
		t.Errorf("protocol error metric = %v", got)
	}
}

func TestRun_ProtocolErrorsResetOnValidReply(t *testing.T) {
	bad := callResp(toolCall("port_scan", map[string]any{}))
	good := callResp(toolCall("execute_command", map[string]any{"command": "id"}))
	h := newHarness(t, harnessOpts{maxRetries: 2},
		bad, bad, good, bad, bad, textResp(prompts.EngagementCompleteMarker),
	)

	out, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != engagement.StatusCompleted {
		t.Errorf("status = %s", out.Status)
	}
}

func TestRun_PhaseMarkers(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		textResp("Planning done. "+prompts.PhaseCompleteMarker),
		textResp(prompts.EngagementCompleteMarker),
	)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	if h.eng.Phase != engagement.PhaseRecon {
		t.Errorf("phase = %s, want recon", h.eng.Phase)
	}
	if req := h.llm.request(1); !strings.Contains(req, "now in the recon phase") {
		t.Errorf("phase change not announced:\n%s", req)
	}
}

func TestRun_PhaseMarkerInLastPhaseCompletes(t *testing.T) {
	h := newHarness(t, harnessOpts{}, textResp(prompts.PhaseCompleteMarker))
	h.eng.Phase = engagement.PhaseCleanup

	out, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engagement.StatusCompleted || out.Iterations != 1 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_LargeOutputIsBounded(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		callResp(toolCall("execute_command", map[string]any{"command": "cat big.log"})),
		textResp(prompts.EngagementCompleteMarker),
	)
	var big strings.Builder
	for i := 1; i <= 10000; i++ {
		fmt.Fprintf(&big, "line %d\n", i)
	}
	h.opener.exec = func(string) (*session.ExecResult, error) {
		return &session.ExecResult{Stdout: big.String()}, nil
	}

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}

	digest := h.eng.History[0].Digest
	if n := strings.Count(digest, "\n") + 1; n > 201 {
		t.Errorf("digest has %d lines", n)
	}
	for _, want := range []string{"line 1\n", "line 10000", "lines omitted"} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q", want)
		}
	}
	if strings.Contains(h.llm.request(1), "line 5000\n") {
		t.Error("raw output reached the model")
	}
}

func TestRun_SessionLostFallsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		callResp(toolCall("execute_command", map[string]any{"command": "id"})),
		callResp(toolCall("execute_command", map[string]any{"command": "hostname"})),
		textResp(prompts.EngagementCompleteMarker),
	)
	ctx := context.Background()
	h.mux.Create(ctx, session.Target{Kind: session.KindLocal})
	h.mux.Create(ctx, session.Target{Kind: session.KindLocal})
	h.opener.sessions["s-1"].exec = func(string) (*session.ExecResult, error) {
		return nil, fmt.Errorf("s-1: %w", session.ErrSessionLost)
	}

	out, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != engagement.StatusCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if req := h.llm.request(1); !strings.Contains(req, "session s-1 was lost; commands now run in session s-2") {
		t.Errorf("fallback not reported:\n%s", req)
	}
	if cmds := h.opener.sessions["s-2"].commands; len(cmds) != 1 || cmds[0] != "hostname" {
		t.Errorf("s-2 commands = %v", cmds)
	}
	if got := h.audit.verdicts(); strings.Join(got, ",") != "allow/error,allow/ok" {
		t.Errorf("audit = %v", got)
	}
}

func TestRun_NoViableSessionAborts(t *testing.T) {
	h := newHarness(t, harnessOpts{},
		callResp(toolCall("execute_command", map[string]any{"command": "id"})),
	)
	h.opener.exec = func(string) (*session.ExecResult, error) {
		return nil, session.ErrSessionLost
	}

	out, err := h.run(t)
	if !errors.Is(err, ErrLoopAborted) {
		t.Fatalf("err = %v, want ErrLoopAborted", err)
	}
	if !strings.Contains(out.Reason, "no viable session") {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestRun_RecordFindingSupersedes(t *testing.T) {
	finding := func(sev string) *llm.ChatResponse {
		return callResp(toolCall("record_finding", map[string]any{
			"severity": sev, "title": "Anonymous FTP", "target": "10.10.10.5:21",
		}))
	}
	h := newHarness(t, harnessOpts{}, finding("low"), finding("high"), textResp(prompts.EngagementCompleteMarker))

	out, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.eng.Findings) != 2 || out.Findings != 1 {
		t.Fatalf("findings = %d recorded, %d current", len(h.eng.Findings), out.Findings)
	}
	if h.eng.Findings[1].Supersedes != h.eng.Findings[0].ID {
		t.Error("second finding does not supersede the first")
	}
	if h.eng.Findings[0].Severity != engagement.Severity("low") {
		t.Error("earlier finding was edited")
	}
	if req := h.llm.request(2); !strings.Contains(req, "supersedes an earlier finding") {
		t.Errorf("supersession not acknowledged:\n%s", req)
	}
}

func TestRun_ResumeAnnouncesCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{maxIter: 10}, textResp(prompts.EngagementCompleteMarker))
	h.eng.Iteration = 7

	out, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if out.Iterations != 8 {
		t.Errorf("iterations = %d, want 8", out.Iterations)
	}
	if req := h.llm.request(0); !strings.Contains(req, "resumed from its last checkpoint at iteration 7") {
		t.Errorf("resume prompt missing:\n%s", req)
	}
}

func TestRun_RejectsTerminalEngagement(t *testing.T) {
	h := newHarness(t, harnessOpts{}, textResp("x"))
	h.eng.Status = engagement.StatusCompleted
	if _, err := h.run(t); err == nil {
		t.Fatal("expected error for completed engagement")
	}
	if h.llm.callCount() != 0 {
		t.Error("model called for a completed engagement")
	}
}

func TestRun_EventsAndMetrics(t *testing.T) {
	h := newHarness(t, harnessOpts{scope: engagement.Scope{Targets: []string{"10.10.10.5"}}},
		callResp(toolCall("port_scan", map[string]any{"target": "10.10.10.99"})),
		textResp(prompts.EngagementCompleteMarker),
	)
	ch := h.bus.Subscribe(256)
	defer h.bus.Unsubscribe(ch)

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for len(ch) > 0 {
		ev := <-ch
		seen[ev.Kind]++
		if ev.Data["engagement_id"] != h.eng.ID {
			t.Errorf("event %s without engagement id", ev.Kind)
		}
	}
	for _, kind := range []string{events.KindEngagementStart, events.KindIteration, events.KindToolCall, events.KindToolDone, events.KindEngagementEnd} {
		if seen[kind] == 0 {
			t.Errorf("no %s event", kind)
		}
	}

	if got := testutil.ToFloat64(h.metrics.verdicts.WithLabelValues("block")); got != 1 {
		t.Errorf("block verdicts = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.iterations); got != 2 {
		t.Errorf("iterations = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.outcomes.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed outcomes = %v", got)
	}
}
