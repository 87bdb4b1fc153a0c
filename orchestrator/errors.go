package orchestrator

import (
	"errors"
	"fmt"
)

// ErrMalformedTurn is the cause of a fault raised when the provider hands
// back something that is not an assistant turn.
var ErrMalformedTurn = errors.New("malformed assistant turn")

// LoopFault is returned by Run once every attempt has faulted. Cause is the
// fault of the final attempt.
type LoopFault struct {
	Attempts int
	Cause    error
}

func (e *LoopFault) Error() string {
	return fmt.Sprintf("orchestration failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *LoopFault) Unwrap() error {
	return e.Cause
}
