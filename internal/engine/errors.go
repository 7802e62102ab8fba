package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParam = errors.New("engine: invalid request parameter")
	ErrEmptyBody    = errors.New("engine: response has no body")
	ErrNotObject    = errors.New("engine: response is not a JSON object")
	ErrBodyTooLarge = errors.New("engine: response body too large")
)

// TransportError covers everything that went wrong before a usable body was
// received: network failures, timeouts, non-200 statuses and empty bodies.
type TransportError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 && e.Err == nil {
		return fmt.Sprintf("engine request to %s failed with status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("engine request to %s failed: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the engine answered 200 with a body that is not a JSON object.
type ProtocolError struct {
	Target string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine response from %s is malformed: %v", e.Target, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
