package errs

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the update engine. Concrete errors wrap one of these
// so callers can classify them with errors.Is.
var (
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("timeout")
	ErrShortRead            = errors.New("short read")
	ErrCorruption           = errors.New("corruption")
	ErrInsufficientSpace    = errors.New("insufficient space")
	ErrBootValidationFailed = errors.New("boot validation failed")
	ErrSessionActive        = errors.New("update session already active")
)

// Retryable reports whether the scheduler may retry the same manifest later.
// Corruption and space errors need a fresh manifest fetch first.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// Network wraps err as a NetworkError.
func Network(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
}

// Timeout builds a Timeout error.
func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// ShortRead builds a ShortRead error at the given stream offset.
func ShortRead(offset int64, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrShortRead, offset, fmt.Sprintf(format, args...))
}

// Corruption builds a Corruption error at the given stream offset.
func Corruption(offset int64, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrCorruption, offset, fmt.Sprintf(format, args...))
}

// InsufficientSpace builds an InsufficientSpace error.
func InsufficientSpace(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInsufficientSpace, fmt.Sprintf(format, args...))
}

// Kind returns a short label for the error kind, used in logs and status events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrShortRead):
		return "short_read"
	case errors.Is(err, ErrCorruption):
		return "corruption"
	case errors.Is(err, ErrInsufficientSpace):
		return "insufficient_space"
	case errors.Is(err, ErrBootValidationFailed):
		return "boot_validation_failed"
	case errors.Is(err, ErrSessionActive):
		return "session_active"
	default:
		return "unknown"
	}
}
