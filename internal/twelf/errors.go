package twelf

import (
	"errors"
	"fmt"
)

// ErrInvocationInProgress is returned when a call arrives while another
// call on the same instance has not finished.
var ErrInvocationInProgress = errors.New("guest invocation already in progress")

// UnknownStatusError occurs when an entry point returns a code other than
// OK or ABORT.
type UnknownStatusError struct {
	Entry string
	Code  uint32
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("entry point '%s' returned unknown status %d", e.Entry, e.Code)
}

// InstanceDiscardedError occurs when a call is made after an earlier call
// left the instance unusable.
type InstanceDiscardedError struct {
	Err error
}

func (e *InstanceDiscardedError) Error() string {
	return fmt.Sprintf("guest instance discarded after fatal error: %v", e.Err)
}

func (e *InstanceDiscardedError) Unwrap() error {
	return e.Err
}
