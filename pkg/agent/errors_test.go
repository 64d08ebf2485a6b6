package agent

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientMark(t *testing.T) {
	base := errors.New("connection reset")

	marked := Transient(base)
	assert.True(t, IsTransient(marked))
	assert.EqualError(t, marked, "connection reset")

	// The mark survives further wrapping and keeps the chain intact.
	wrapped := fmt.Errorf("query vector store: %w", marked)
	assert.True(t, IsTransient(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestTransientNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
}

func TestIsTransientPlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("bad input")))
}
