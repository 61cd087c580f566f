package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastDBRetries(t *testing.T) {
	t.Helper()
	saved := dbBackoffConfig
	dbBackoffConfig.InitialDelay = time.Millisecond
	dbBackoffConfig.MaxDelay = 5 * time.Millisecond
	t.Cleanup(func() { dbBackoffConfig = saved })
}

func TestRetryableDBOperationNoReturn(t *testing.T) {
	fastDBRetries(t)

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   string
	}{
		{name: "success first try", wantCalls: 1},
		{name: "success after lock contention", failures: 2, failWith: errors.New("database is locked"), wantCalls: 3},
		{name: "non-retryable", failures: 5, failWith: errors.New("UNIQUE constraint failed"), wantCalls: 1, wantErr: "non-retryable"},
		{name: "exhausted", failures: 5, failWith: errors.New("disk I/O error"), wantCalls: 3, wantErr: "after 3 attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryableDBOperationNoReturn(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			}, "test operation")

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.ErrorIs(t, err, tt.failWith)
		})
	}
}

func TestRetryableDBOperationNoReturn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryableDBOperationNoReturn(ctx, func() error {
		calls++
		return nil
	}, "test operation")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestIsRetryableDBError(t *testing.T) {
	assert.False(t, isRetryableDBError(nil))
	assert.True(t, isRetryableDBError(errors.New("database is locked")))
	assert.True(t, isRetryableDBError(errors.New("database table is locked: delivery_attempts")))
	assert.True(t, isRetryableDBError(errors.New("disk I/O error")))
	assert.False(t, isRetryableDBError(errors.New("no such table: delivery_attempts")))
	assert.False(t, isRetryableDBError(context.DeadlineExceeded))
}
