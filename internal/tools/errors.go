package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTool is returned when the model names a tool that is not
// in the catalog. The orchestrator answers with a corrective message
// rather than executing anything.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArgs is returned when a call names a catalog tool but its
// arguments do not match the tool's argument specification.
type ErrInvalidArgs struct {
	Tool     ID
	Problems []string
}

// Error implements the error interface.
func (e *ErrInvalidArgs) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// IsProtocolError reports whether err is a malformed-call error that
// should be corrected by re-prompting the model.
func IsProtocolError(err error) bool {
	var invalid *ErrInvalidArgs
	return errors.Is(err, ErrUnknownTool) || errors.As(err, &invalid)
}
