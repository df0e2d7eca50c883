package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRetryable tests which error kinds are retryable.
func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Network("get manifest", errors.New("dial tcp: refused"))))
	assert.True(t, Retryable(Timeout("no data for %s", "60s")))
	assert.False(t, Retryable(Corruption(12, "bad magic")))
	assert.False(t, Retryable(InsufficientSpace("image too large")))
	assert.False(t, Retryable(nil))
}

// TestKindSurvivesWrapping tests classifying wrapped errors.
func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("install: %w", ShortRead(1024, "expected %d bytes", 10))

	assert.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, "short_read", Kind(err))
	assert.Contains(t, err.Error(), "offset 1024")
	assert.Equal(t, "unknown", Kind(errors.New("other")))
}
