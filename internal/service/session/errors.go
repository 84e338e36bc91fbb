package session

import (
	"errors"
	"fmt"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrNotParticipant      = errors.New("user is not a participant of this appointment")
	ErrCancelled           = errors.New("consultation has been cancelled")
	ErrCallEnded           = errors.New("call has already ended")
	ErrTooEarly            = errors.New("join window has not opened yet")
	ErrExpired             = errors.New("join window has expired")
	ErrNoActiveCall        = errors.New("no call is in progress")
)

// JoinWindowError rejects a join outside the allowed window and carries the
// remaining wait when the window has not opened yet. It matches ErrTooEarly
// or ErrExpired under errors.Is.
type JoinWindowError struct {
	WaitSeconds int
	Expired     bool
}

func (e *JoinWindowError) Error() string {
	if e.Expired {
		return "join window has expired"
	}
	return fmt.Sprintf("join window opens in %d seconds", e.WaitSeconds)
}

func (e *JoinWindowError) Is(target error) bool {
	if e.Expired {
		return target == ErrExpired
	}
	return target == ErrTooEarly
}
