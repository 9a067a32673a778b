package webrtc

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrClosedByRemote   = errors.New("call closed by remote")
	ErrMissingSDP       = errors.New("missing session description")
)

// Error is a failed negotiation step of one call.
type Error struct {
	Op     string
	CallID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.CallID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, callID string, err error) *Error {
	return &Error{Op: op, CallID: callID, Err: err}
}
