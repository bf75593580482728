package domain

import (
	"errors"
	"fmt"
)

// Error is a client-facing failure with a stable wire code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Details)
	}
	return e.Code + ": " + e.Message
}

// Is matches any *Error carrying the same code, so wrapped and re-detailed
// errors still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.Code == e.Code
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details}
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Details: e.Details}
}

var (
	ErrInvalidInput             = &Error{Code: "ERR_INVALID_INPUT", Message: "invalid input"}
	ErrNotInRoom                = &Error{Code: "ERR_NOT_IN_ROOM", Message: "connection is not in a room"}
	ErrAlreadyInRoom            = &Error{Code: "ERR_ALREADY_IN_ROOM", Message: "connection is already in a room"}
	ErrRoomNotFound             = &Error{Code: "ERR_ROOM_NOT_FOUND", Message: "room not found"}
	ErrParticipantNotFound      = &Error{Code: "ERR_PARTICIPANT_NOT_FOUND", Message: "participant not found"}
	ErrTransportNotFound        = &Error{Code: "ERR_TRANSPORT_NOT_FOUND", Message: "transport not found"}
	ErrProducerNotFound         = &Error{Code: "ERR_PRODUCER_NOT_FOUND", Message: "producer not found"}
	ErrConsumerNotFound         = &Error{Code: "ERR_CONSUMER_NOT_FOUND", Message: "consumer not found"}
	ErrWorkerNotFound           = &Error{Code: "ERR_WORKER_NOT_FOUND", Message: "worker not found"}
	ErrDuplicateParticipant     = &Error{Code: "ERR_DUPLICATE_PARTICIPANT", Message: "connection already has a participant"}
	ErrIncompatibleCapabilities = &Error{Code: "ERR_INCOMPATIBLE_CAPABILITIES", Message: "cannot consume producer with given RTP capabilities"}
	ErrRouterCreationFailed     = &Error{Code: "ERR_ROUTER_CREATION_FAILED", Message: "cannot allocate router"}
	ErrRateLimited              = &Error{Code: "ERR_RATE_LIMITED", Message: "too many requests"}
	ErrUnknownRequest           = &Error{Code: "ERR_UNKNOWN_REQUEST", Message: "unknown request type"}
	ErrInternal                 = &Error{Code: "ERR_INTERNAL", Message: "internal error"}
)

// AsError converts any error into a client-facing *Error. Unknown errors
// become ErrInternal with the original text as details.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal.WithDetails(err.Error())
}
