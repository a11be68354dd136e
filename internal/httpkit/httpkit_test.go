package httpkit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 5*time.Minute {
		t.Errorf("default timeout = %v", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("zero timeout = %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	get := func(c *http.Client, ua string) string {
		req, _ := http.NewRequest("GET", srv.URL, nil)
		if ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get(NewClient(), ""); !strings.HasPrefix(got, "Talon/") {
		t.Errorf("default User-Agent = %q", got)
	}
	if got := get(NewClient(WithUserAgent("probe/1")), ""); got != "probe/1" {
		t.Errorf("custom User-Agent = %q", got)
	}
	if got := get(NewClient(), "caller/2"); got != "caller/2" {
		t.Errorf("caller's User-Agent overwritten: %q", got)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout == 0 || tr.ResponseHeaderTimeout == 0 || tr.IdleConnTimeout == 0 {
		t.Errorf("transport missing timeouts: %+v", tr)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("model not found")), 100); got != "model not found" {
		t.Errorf("got %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 50))), 10); len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil body = %q", got)
	}
}

// dialFailer fails with EHOSTUNREACH a fixed number of times.
type dialFailer struct {
	failures int
	calls    int
}

func (f *dialFailer) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH}}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first time", 0, 2, false, 1},
		{"recovers after one failure", 1, 2, false, 2},
		{"exhausts retries", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &dialFailer{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: 5 * time.Millisecond}
			req, _ := http.NewRequest("GET", "http://127.0.0.1:11434/api/tags", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_BodyRewind(t *testing.T) {
	ft := &dialFailer{failures: 1}
	rt := &retryTransport{base: ft, count: 2, delay: 5 * time.Millisecond}

	req, _ := http.NewRequest("POST", "http://127.0.0.1:11434/api/chat", strings.NewReader(`{"model":"m"}`))
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("rewindable body not retried: %v", err)
	}

	ft = &dialFailer{failures: 1}
	rt.base = ft
	req, _ = http.NewRequest("POST", "http://127.0.0.1:11434/api/chat", strings.NewReader(`{"model":"m"}`))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil || ft.calls != 1 {
		t.Errorf("unrewindable body retried: err=%v calls=%d", err, ft.calls)
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	ft := &dialFailer{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://127.0.0.1:11434/", nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected cancellation error")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestIsDialFailure(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("oops"), false},
		{syscall.ECONNREFUSED, true},
		{syscall.ENETUNREACH, true},
		{syscall.ECONNRESET, false},
		{fmt.Errorf("connect: %w", syscall.EHOSTUNREACH), true},
	}
	for _, tt := range tests {
		if got := isDialFailure(tt.err); got != tt.want {
			t.Errorf("isDialFailure(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
