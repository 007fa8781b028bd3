package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusBudgetExceeded},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}
}

func TestTerminalStatesAreSinks(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded}
	all := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded}

	for _, from := range terminals {
		require.True(t, from.Terminal())
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s must be illegal", from, to)
		}
	}
}

func TestIllegalEdges(t *testing.T) {
	assert.False(t, CanTransition(StatusQueued, StatusCompleted))
	assert.False(t, CanTransition(StatusQueued, StatusFailed))
	assert.False(t, CanTransition(StatusQueued, StatusBudgetExceeded))
	assert.False(t, CanTransition(StatusRunning, StatusQueued))
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusQueued.Valid())
	assert.False(t, Status("PENDING").Valid())
}
