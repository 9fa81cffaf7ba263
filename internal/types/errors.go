package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no locator strategy matched an element.
	ErrNotFound = errors.New("element not found")

	// ErrAlreadyActive is reported when a transition targets the current state.
	ErrAlreadyActive = errors.New("already in requested state")

	// ErrInjectionFailure means mounting exhausted its retry budget.
	ErrInjectionFailure = errors.New("injection failed")

	// ErrAdapterUnsupported means the adapter does not declare the capability.
	ErrAdapterUnsupported = errors.New("capability not supported by adapter")

	// ErrAutomationSkipped means a duplicate was suppressed inside the cooldown window.
	ErrAutomationSkipped = errors.New("automation skipped")

	// ErrNotActive means a capability operation was requested on an adapter that is not ACTIVE.
	ErrNotActive = errors.New("adapter not active")

	// ErrDisabled means the adapter was cleaned up and can no longer transition.
	ErrDisabled = errors.New("adapter disabled")
)

// AdapterError wraps a failure raised by site-specific adapter code.
type AdapterError struct {
	Adapter   string
	Operation string
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.Adapter, e.Operation, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError wraps err for the given adapter and operation.
func NewAdapterError(adapter, op string, err error) *AdapterError {
	return &AdapterError{Adapter: adapter, Operation: op, Err: err}
}
