package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed input. Not retryable.
	ErrValidation = errors.New("validation error")
	// ErrUnknownItem means the item id does not reference a seeded item.
	ErrUnknownItem = errors.New("unknown item")
	// ErrSuspiciousActivity is returned when the fraud heuristics block a vote.
	ErrSuspiciousActivity = errors.New("suspicious activity blocked")
	// ErrTransient means the store kept failing with retryable conditions.
	ErrTransient = errors.New("transient store error")
)

// Wire error kinds.
const (
	KindValidation = "validation_error"
	KindUnknown    = "unknown_item"
	KindRateLimit  = "rate_limited"
	KindSuspicious = "suspicious_activity_blocked"
	KindTransient  = "transient_error"
	KindInternal   = "internal_error"
)

// RateLimitedError is returned when a key exceeded its window.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Action, e.RetryAfter)
}

// RetryAfterSeconds rounds the wait up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ErrorKind maps an error to its wire kind.
func ErrorKind(err error) string {
	var rl *RateLimitedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnknownItem):
		return KindUnknown
	case errors.Is(err, ErrSuspiciousActivity):
		return KindSuspicious
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}
