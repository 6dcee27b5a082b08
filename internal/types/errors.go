package types

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	// ErrorSubmission: the backend rejected the operation before a session existed.
	ErrorSubmission ErrorKind = "submission"
	// ErrorTransport: the progress channel failed after a session existed.
	ErrorTransport ErrorKind = "transport"
	// ErrorCancellation: the cancel request itself failed; the session stays running.
	ErrorCancellation ErrorKind = "cancellation"
	// ErrorPersistence: a checkpoint write failed or exceeded its budget.
	ErrorPersistence ErrorKind = "persistence"
)

var (
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	ErrEmptyTarget        = errors.New("no nodes selected")
	ErrSlotOccupied       = errors.New("an active session already occupies this slot")
	ErrSessionExists      = errors.New("session already registered")
	ErrSessionNotFound    = errors.New("session not found")
	ErrOverBudget         = errors.New("checkpoint exceeds byte budget")
	ErrPollExhausted      = errors.New("progress polling failed repeatedly")
	ErrAborted            = errors.New("operation aborted")
)

type Error struct {
	Kind      ErrorKind
	Op        string
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.SessionID != "" && e.Err != nil:
		return fmt.Sprintf("%s %s (session %s): %v", e.Kind, e.Op, e.SessionID, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func SubmissionError(op string, err error) *Error {
	return &Error{Kind: ErrorSubmission, Op: op, Err: err}
}

func TransportError(op, sessionID string, err error) *Error {
	return &Error{Kind: ErrorTransport, Op: op, SessionID: sessionID, Err: err}
}

func CancellationError(sessionID string, err error) *Error {
	return &Error{Kind: ErrorCancellation, Op: "cancel", SessionID: sessionID, Err: err}
}

func PersistenceError(op, sessionID string, err error) *Error {
	return &Error{Kind: ErrorPersistence, Op: op, SessionID: sessionID, Err: err}
}

// IsKind reports whether any error in err's chain is a tracker error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var trackerErr *Error
	if errors.As(err, &trackerErr) {
		return trackerErr.Kind == kind
	}
	return false
}
