package agent

import "errors"

var (
	// ErrLoopAborted is returned by Run when an engagement ends in the
	// aborted state: the model kept producing unusable replies, no
	// execution session remains, or the run was cancelled.
	ErrLoopAborted = errors.New("engagement aborted")

	// errProtocol marks a model reply that could not be used.
	errProtocol = errors.New("model protocol error")
)
