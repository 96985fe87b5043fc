package chaterrors

import (
	"errors"
	"fmt"
)

// ChatError is the single error shape that crosses handler boundaries.
// Everything a handler can fail with is converted to one of these before it
// reaches the client; nothing else is ever emitted on the error event.
type ChatError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ChatError) Unwrap() error { return e.Cause }

func New(code Code, message string) *ChatError {
	return &ChatError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *ChatError {
	return &ChatError{Code: code, Message: message, Cause: cause}
}

// Auth errors. Fatal to a connection attempt during handshake, never fatal to
// an already-active session.
var (
	ErrNoCredential      = New(CodeAuth, "no authentication credential provided")
	ErrInvalidCredential = New(CodeAuth, "invalid authentication credential")
	ErrIdentityNotFound  = New(CodeAuth, "user not found")
)

// Rate limiting. Transient: the event is dropped with feedback and the
// connection stays open.
var ErrTooManyRequests = New(CodeRateLimit, "rate limit exceeded, please try again later")

// Room errors.
var (
	ErrRoomNotFound     = New(CodeRoom, "room not found")
	ErrRoomUnauthorized = New(CodeRoom, "unauthorized access to room")
	ErrInvalidPair      = New(CodeRoom, "direct rooms require both participants in the same school")
)

// Validation errors.
var (
	ErrEmptyContent     = New(CodeValidation, "message content cannot be empty")
	ErrContentTooLong   = New(CodeValidation, "message content cannot exceed 2000 characters")
	ErrMalformedPayload = New(CodeValidation, "malformed event payload")
)

func Storage(cause error) *ChatError {
	return Wrap(CodeStorage, "storage operation failed", cause)
}

// Convert maps an arbitrary error to a ChatError. Already-typed errors pass
// through; anything else is treated as a storage failure, the only untyped
// error source below the handler boundary.
func Convert(err error) *ChatError {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce
	}
	return Storage(err)
}

// CodeOf reports the code of err, or CodeStorage when err is untyped.
func CodeOf(err error) Code {
	return Convert(err).Code
}
