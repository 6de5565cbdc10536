package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a conversation (or other referenced record) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when a user is not a participant of the conversation.
	ErrNotParticipant = errors.New("not a participant of the conversation")

	// ErrInvalidConversation is returned when a conversation violates its kind invariants.
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrInvalidInput is returned for malformed ids, empty content and similar input errors.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a uniqueness constraint (direct pair) is hit.
	ErrConflict = errors.New("conflict")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above; Msg must not include secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsNotParticipant reports whether err represents ErrNotParticipant.
func IsNotParticipant(err error) bool { return errors.Is(err, ErrNotParticipant) }

// IsInvalidInput reports whether err represents ErrInvalidInput or ErrInvalidConversation.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidConversation)
}
