package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	base := errors.New("connection refused")

	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
		exhausted bool
	}{
		{name: "transient", err: Transient(base), transient: true},
		{name: "conflict", err: Conflict(base), conflict: true},
		{name: "exhausted", err: Exhausted(base), exhausted: true},
		{name: "plain error", err: base},
		{name: "wrapped transient", err: fmt.Errorf("delete instance: %w", Transient(base)), transient: true},
		{name: "exhausted over transient", err: Exhausted(Transient(base)), transient: true, exhausted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.conflict, IsConflict(tt.err))
			assert.Equal(t, tt.exhausted, IsExhausted(tt.err))
		})
	}
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Conflict(nil))
	assert.NoError(t, Exhausted(nil))
}

func TestConfiguration(t *testing.T) {
	err := Configuration("capacity must be >= 2, got %d", 1)
	assert.True(t, IsConfiguration(err))
	assert.Contains(t, err.Error(), "capacity must be >= 2, got 1")
}

func TestOriginalErrorPreserved(t *testing.T) {
	base := errors.New("dial tcp: i/o timeout")
	assert.ErrorIs(t, Transient(base), base)
}
