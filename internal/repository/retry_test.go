package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
)

func TestWithRetryRecoversTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return api.NewTransientBackendError("flaky", errors.New("io"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return api.NewTransientBackendError("always down", nil)
	})
	require.Error(t, err)
	assert.Equal(t, retryMaxAttempts, calls)
	assert.True(t, api.IsTransient(err))
}

func TestWithRetryDoesNotRetryPermanentKinds(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return api.NewConflictError("taken", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, api.IsConflict(err))
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return api.NewTransientBackendError("down", nil)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}
