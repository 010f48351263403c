package encoder

import (
	"fmt"
)

// ExitError reports a non-zero encoder exit together with the tail of
// its error stream.
type ExitError struct {
	Code int
	Tail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("encoder exited with code %d: %s", e.Code, e.Tail)
}

// ValidationError reports an output that exists but failed validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "output validation failed: " + e.Reason
}
