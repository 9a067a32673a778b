package session

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrNotMember         = errors.New("caller is not a room member")
)

// Error is a failure of one operation against one remote member.
type Error struct {
	Op     string
	Remote string
	Err    error
}

func (e *Error) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
