package planner

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for requests and slot waits on a closed planner.
var ErrClosed = errors.New("planner: closed")

// HeaderParseError reports a rate-limit header whose value is not numeric.
// It means the remote protocol changed in an incompatible way.
type HeaderParseError struct {
	Header string
	Value  string
	Err    error
}

func (e *HeaderParseError) Error() string {
	return fmt.Sprintf("planner: malformed %s header %q: %v", e.Header, e.Value, e.Err)
}

func (e *HeaderParseError) Unwrap() error {
	return e.Err
}

// IsHeaderParseError returns true if err wraps a HeaderParseError.
func IsHeaderParseError(err error) bool {
	var target *HeaderParseError
	return errors.As(err, &target)
}

// ErrSlotCanceled is reported by a SlotTicket withdrawn before it was granted.
var ErrSlotCanceled = errors.New("planner: slot wait canceled")
