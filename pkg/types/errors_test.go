package types_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/memvault/pkg/types"
)

func TestRoutingError(t *testing.T) {
	err := &types.RoutingError{
		Op:   "get",
		Kind: types.ErrNotFound,
		Attempts: []types.Attempt{
			{Backend: "primary", Err: types.ErrNotFound},
			{Backend: "cache", Skipped: true, Err: types.ErrCircuitOpen},
			{Backend: "vectors", Err: types.ErrBackendUnavailable},
		},
	}

	assert.True(t, types.IsNotFound(err))
	assert.False(t, types.IsUnavailable(err))
	assert.Equal(t, []string{"cache", "vectors"}, err.Unreachable())
	assert.Contains(t, err.Error(), "primary: record not found")
	assert.Contains(t, err.Error(), "cache: circuit breaker is open")

	var re *types.RoutingError
	assert.True(t, errors.As(fmt.Errorf("store: %w", err), &re))
}

func TestTimeoutError(t *testing.T) {
	err := &types.TimeoutError{Op: "store", Backend: "primary", Ambiguous: true, Err: context.DeadlineExceeded}

	assert.True(t, types.IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "write outcome unknown")
	assert.Contains(t, err.Error(), "primary")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", types.ErrValidationFailed, false},
		{"not found", types.ErrNotFound, false},
		{"timeout", &types.TimeoutError{Op: "get"}, false},
		{"backend unavailable", fmt.Errorf("pg: %w", types.ErrBackendUnavailable), true},
		{"all unavailable", &types.RoutingError{Op: "get", Kind: types.ErrAllBackendsUnavailable}, true},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, types.IsRetryable(tt.err))
		})
	}
}
