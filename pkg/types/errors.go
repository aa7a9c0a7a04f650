package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
	KindFatal
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Reason is the stable code a client renders for a rejected action.
type Reason string

const (
	ReasonInvalidMessage           Reason = "INVALID_MESSAGE"
	ReasonInvalidAnswer            Reason = "INVALID_ANSWER"
	ReasonInvalidConfig            Reason = "INVALID_CONFIG"
	ReasonInvalidUserID            Reason = "INVALID_USER_ID"
	ReasonInvalidHandle            Reason = "INVALID_HANDLE"
	ReasonRoundMismatch            Reason = "ROUND_MISMATCH"
	ReasonDuplicateSubmission      Reason = "DUPLICATE_SUBMISSION"
	ReasonRoundClosed              Reason = "ROUND_CLOSED"
	ReasonRoundActive              Reason = "ROUND_ACTIVE"
	ReasonRoomClosed               Reason = "ROOM_CLOSED"
	ReasonRoomNotFound             Reason = "ROOM_NOT_FOUND"
	ReasonRoomFull                 Reason = "ROOM_FULL"
	ReasonInsufficientParticipants Reason = "INSUFFICIENT_PARTICIPANTS"
	ReasonAlreadyStarted           Reason = "ALREADY_STARTED"
	ReasonGameFinished             Reason = "GAME_FINISHED"
	ReasonNotStarted               Reason = "NOT_STARTED"
	ReasonNotFinished              Reason = "NOT_FINISHED"
	ReasonNotOwner                 Reason = "NOT_OWNER"
	ReasonNotParticipant           Reason = "NOT_PARTICIPANT"
	ReasonNotEligible              Reason = "NOT_ELIGIBLE"
	ReasonNotInRoom                Reason = "NOT_IN_ROOM"
	ReasonCapacityExceeded         Reason = "CAPACITY_EXCEEDED"
	ReasonQuestionSetNotFound      Reason = "QUESTION_SET_NOT_FOUND"
	ReasonQuestionsExhausted       Reason = "QUESTIONS_EXHAUSTED"
	ReasonRateLimited              Reason = "RATE_LIMITED"
	ReasonUnauthorized             Reason = "UNAUTHORIZED"
	ReasonConnectionLost           Reason = "CONNECTION_LOST"
	ReasonFatal                    Reason = "FATAL"
	ReasonTimeout                  Reason = "TIMEOUT"
	ReasonInternal                 Reason = "INTERNAL"
)

// Error is a typed domain failure. Two Errors match under errors.Is when
// their reasons are equal, so wrapped sentinels and freshly built errors
// with the same reason compare equal.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// NewError builds a typed error.
func NewError(kind Kind, reason Reason, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Validation errors: malformed or out-of-range input, no state change.
var (
	ErrInvalidUserID  = &Error{KindValidation, ReasonInvalidUserID, "user ID must be 1-50 characters, alphanumeric + underscore/hyphen only"}
	ErrInvalidHandle  = &Error{KindValidation, ReasonInvalidHandle, "handle must be 1-40 printable characters"}
	ErrInvalidMessage = &Error{KindValidation, ReasonInvalidMessage, "invalid message"}
	ErrInvalidAnswer  = &Error{KindValidation, ReasonInvalidAnswer, "answer is empty, too long or not one of the options"}
	ErrInvalidConfig  = &Error{KindValidation, ReasonInvalidConfig, "invalid room configuration"}
	ErrRoundMismatch  = &Error{KindValidation, ReasonRoundMismatch, "round number does not match the active round"}
	ErrRateLimited    = &Error{KindValidation, ReasonRateLimited, "too many messages"}
)

// Conflict errors: the action is well-formed but not allowed right now.
var (
	ErrDuplicateSubmission      = &Error{KindConflict, ReasonDuplicateSubmission, "answer already submitted for this round"}
	ErrRoundClosed              = &Error{KindConflict, ReasonRoundClosed, "round is closed"}
	ErrRoundActive              = &Error{KindConflict, ReasonRoundActive, "a round is already active"}
	ErrRoomClosed               = &Error{KindConflict, ReasonRoomClosed, "room is closed"}
	ErrRoomFull                 = &Error{KindConflict, ReasonRoomFull, "room is full"}
	ErrInsufficientParticipants = &Error{KindConflict, ReasonInsufficientParticipants, "not enough participants to start"}
	ErrAlreadyStarted           = &Error{KindConflict, ReasonAlreadyStarted, "game already started"}
	ErrGameFinished             = &Error{KindConflict, ReasonGameFinished, "game has finished"}
	ErrNotStarted               = &Error{KindConflict, ReasonNotStarted, "game has not started"}
	ErrNotFinished              = &Error{KindConflict, ReasonNotFinished, "game has not finished yet"}
	ErrNotOwner                 = &Error{KindConflict, ReasonNotOwner, "only the room owner can do this"}
	ErrNotEligible              = &Error{KindConflict, ReasonNotEligible, "joined after the round started; eligible from the next round"}
	ErrNotInRoom                = &Error{KindConflict, ReasonNotInRoom, "connection has not joined a room"}
	ErrCapacityExceeded         = &Error{KindConflict, ReasonCapacityExceeded, "no room capacity left"}
	ErrQuestionsExhausted       = &Error{KindConflict, ReasonQuestionsExhausted, "no questions left"}
)

// Not-found errors.
var (
	ErrRoomNotFound        = &Error{KindNotFound, ReasonRoomNotFound, "room not found"}
	ErrNotParticipant      = &Error{KindNotFound, ReasonNotParticipant, "not a participant of this room"}
	ErrQuestionSetNotFound = &Error{KindNotFound, ReasonQuestionSetNotFound, "question set not found"}
)

// Transport and fatal errors.
var (
	ErrConnectionLost = &Error{KindTransient, ReasonConnectionLost, "connection lost"}
	ErrFatalRoom      = &Error{KindFatal, ReasonFatal, "room state is inconsistent"}
	ErrUnauthorized   = &Error{KindUnauthorized, ReasonUnauthorized, "unauthorized"}
)

// Fatalf wraps ErrFatalRoom with detail.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatalRoom, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the client-facing reason code for any error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonTimeout
	}
	return ReasonInternal
}
