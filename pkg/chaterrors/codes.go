package chaterrors

// Code identifies the error family surfaced to clients. The code travels on
// every outbound error event so clients can branch without parsing messages.
type Code string

const (
	CodeAuth       Code = "AUTH_ERROR"
	CodeRateLimit  Code = "RATE_LIMIT_ERROR"
	CodeRoom       Code = "ROOM_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeStorage    Code = "STORAGE_ERROR"
)
