package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrInvalidArgs_Error(t *testing.T) {
	err := &ErrInvalidArgs{Tool: PortScan, Problems: []string{"missing required argument \"target\"", "rate: want integer"}}
	want := `invalid arguments for port_scan: missing required argument "target"; rate: want integer`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrInvalidArgs_WrappedErrorsAs(t *testing.T) {
	orig := &ErrInvalidArgs{Tool: ReadFile, Problems: []string{"x"}}
	wrapped := fmt.Errorf("parse call: %w", orig)

	var target *ErrInvalidArgs
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrInvalidArgs")
	}
	if target.Tool != ReadFile {
		t.Errorf("Tool = %q, want %q", target.Tool, ReadFile)
	}
}

func TestIsProtocolError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("call: %w", ErrUnknownTool), true},
		{&ErrInvalidArgs{Tool: PortScan}, true},
		{fmt.Errorf("some other error"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsProtocolError(tt.err); got != tt.want {
			t.Errorf("IsProtocolError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
