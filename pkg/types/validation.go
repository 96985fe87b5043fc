package types

import (
	"strings"
	"unicode/utf8"

	"schoolchat/pkg/chaterrors"
)

// MaxContentLength bounds message content after trimming, counted in
// characters. Matches the limit enforced by every client the platform ships.
const MaxContentLength = 2000

// ValidateContent trims content and checks the 1..2000 character bound.
// Returns the trimmed content so callers persist exactly what was validated.
func ValidateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", chaterrors.ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", chaterrors.ErrContentTooLong
	}
	return trimmed, nil
}

// IsValidMessageKind checks the kind against the three allowed values.
func IsValidMessageKind(kind MessageKind) bool {
	switch kind {
	case MessageKindText, MessageKindImage, MessageKindFile:
		return true
	default:
		return false
	}
}

// NormalizeKind applies the TEXT default for omitted kinds.
func NormalizeKind(kind MessageKind) (MessageKind, error) {
	if kind == "" {
		return MessageKindText, nil
	}
	if !IsValidMessageKind(kind) {
		return "", chaterrors.ErrMalformedPayload
	}
	return kind, nil
}
