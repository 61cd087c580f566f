package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"peersync/internal/constants"
	"peersync/internal/retry"
)

var dbBackoffConfig = retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultDatabaseRetryBackoffMs) * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultDatabaseMaxBackoffMs) * time.Millisecond,
	Multiplier:   2.0,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
}

// retryableDBOperationNoReturn executes a database operation that returns only an error with retry logic
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	err := retry.NewBackoff(dbBackoffConfig).RetryWithPredicate(ctx, operation, isRetryableDBError)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !isRetryableDBError(err) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, dbBackoffConfig.MaxAttempts, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	// Lock contention and transient I/O clear up on their own
	if strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "disk I/O error") {
		return true
	}

	return false
}
