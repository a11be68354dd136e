package tools

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Call is a validated tool invocation. Calls are treated as immutable
// once issued; [Call.WithArgs] returns an annotated copy.
type Call struct {
	ID        string         `json:"id"`
	Tool      ID             `json:"tool"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// NewCorrelationID returns a fresh, time-ordered correlation id.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WithArgs returns a copy of c whose arguments are args. The receiver
// is left unchanged.
func (c Call) WithArgs(args map[string]any) Call {
	c.Args = cloneArgs(args)
	return c
}

// String returns a string argument, or "" when absent.
func (c Call) String(name string) string {
	s, _ := c.Args[name].(string)
	return s
}

// Int returns an integer argument.
func (c Call) Int(name string) (int, bool) {
	n, ok := c.Args[name].(int)
	return n, ok
}

// Strings returns a string-list argument.
func (c Call) Strings(name string) []string {
	l, _ := c.Args[name].([]string)
	return l
}

// sensitiveArgs are masked in previews and audit records.
var sensitiveArgs = map[string]bool{
	"password": true,
	"content":  true,
}

// Preview renders the call as a single line suitable for logs and the
// audit table. Sensitive values are masked and the result is clipped
// to limit characters.
func (c Call) Preview(limit int) string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(string(c.Tool))
	for _, k := range keys {
		v := c.Args[k]
		if sensitiveArgs[k] {
			fmt.Fprintf(&sb, " %s=***(%d chars)", k, len(fmt.Sprint(v)))
			continue
		}
		switch x := v.(type) {
		case string:
			fmt.Fprintf(&sb, " %s=%s", k, strconv.Quote(x))
		case []string:
			fmt.Fprintf(&sb, " %s=[%s]", k, strings.Join(x, ","))
		default:
			fmt.Fprintf(&sb, " %s=%v", k, x)
		}
	}
	return clip(sb.String(), limit)
}

func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit <= 3 {
		return s[:limit]
	}
	return s[:limit-3] + "..."
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if l, ok := v.([]string); ok {
			v = append([]string(nil), l...)
		}
		out[k] = v
	}
	return out
}

// Status is the outcome class of a tool call.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
	StatusBlocked  Status = "blocked"
	StatusDenied   Status = "denied"
	StatusError    Status = "error"
)

// Result is the outcome of exactly one Call. Raw output is carried
// only until it has been compressed; it is never serialized.
type Result struct {
	CorrelationID string        `json:"correlation_id"`
	Tool          ID            `json:"tool"`
	Raw           string        `json:"-"`
	ExitCode      int           `json:"exit_code"`
	Status        Status        `json:"status"`
	Duration      time.Duration `json:"duration"`
	Digest        string        `json:"digest"`
}

// NewResult returns a result for call with no output yet.
func NewResult(call Call, status Status) *Result {
	return &Result{
		CorrelationID: call.ID,
		Tool:          call.Tool,
		Status:        status,
	}
}

// InSession returns a copy of c bound to session id.
func (c Call) InSession(id string) Call {
	c.SessionID = id
	return c
}
