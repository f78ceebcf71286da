package services

import (
	"errors"
	"fmt"
)

var (
	ErrLeadNotFound      = errors.New("lead not found")
	ErrInvalidTransition = errors.New("invalid sequence transition")
	ErrConcurrentUpdate  = errors.New("lead was modified concurrently")
	ErrInvalidLeadStatus = errors.New("closing status must be won or lost")
)

// TransitionError describes an operation that is not allowed from the lead's current state
type TransitionError struct {
	Op   string
	From string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a sequence that is %s", e.Op, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func invalidTransition(op, from string) error {
	return &TransitionError{Op: op, From: from}
}
