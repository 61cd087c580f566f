package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"peersync/internal/constants"
	"peersync/internal/migrations"
	"peersync/internal/models"
	"peersync/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the SQLite delivery history log
type Database struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and applies pending migrations
func New(ctx context.Context, dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	// Validate database path to prevent directory traversal
	if err := security.ValidateStoragePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, constants.DataDirMode); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := migrations.Apply(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SaveDeliveryAttempt appends one attempt to the history
func (d *Database) SaveDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now()
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		result, err := d.db.ExecContext(ctx, InsertDeliveryAttemptQuery,
			attempt.MessageID,
			attempt.DeviceID,
			attempt.Attempt,
			attempt.Outcome,
			nullString(attempt.Error),
			attempt.AttemptedAt.UTC(),
		)
		if err != nil {
			return err
		}
		if id, err := result.LastInsertId(); err == nil {
			attempt.ID = id
		}
		return nil
	}, "save delivery attempt")
}

// GetDeliveryHistory returns the attempts recorded for messageID, oldest first
func (d *Database) GetDeliveryHistory(ctx context.Context, messageID string, limit int) ([]models.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := d.db.QueryContext(ctx, SelectDeliveryHistoryQuery, messageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery history: %w", err)
	}
	defer rows.Close()

	history := []models.DeliveryAttempt{}
	for rows.Next() {
		var a models.DeliveryAttempt
		var errText sql.NullString
		if err := rows.Scan(&a.ID, &a.MessageID, &a.DeviceID, &a.Attempt, &a.Outcome, &errText, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Error = errText.String
		history = append(history, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read delivery history: %w", err)
	}
	return history, nil
}

// CountOutcomesSince returns how many attempts ended in each outcome since the given time
func (d *Database) CountOutcomesSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, CountOutcomesSinceQuery, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// SaveDeadLetterAction records a redrive or purge
func (d *Database) SaveDeadLetterAction(ctx context.Context, action *models.DeadLetterAction) error {
	if action.ActedAt.IsZero() {
		action.ActedAt = time.Now()
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		result, err := d.db.ExecContext(ctx, InsertDeadLetterActionQuery,
			action.MessageID,
			action.DeviceID,
			action.Action,
			nullString(action.Reason),
			action.ActedAt.UTC(),
		)
		if err != nil {
			return err
		}
		if id, err := result.LastInsertId(); err == nil {
			action.ID = id
		}
		return nil
	}, "save dead letter action")
}

// GetDeadLetterActions returns the operator actions taken on messageID
func (d *Database) GetDeadLetterActions(ctx context.Context, messageID string) ([]models.DeadLetterAction, error) {
	rows, err := d.db.QueryContext(ctx, SelectDeadLetterActionsQuery, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter actions: %w", err)
	}
	defer rows.Close()

	actions := []models.DeadLetterAction{}
	for rows.Next() {
		var a models.DeadLetterAction
		var reason sql.NullString
		if err := rows.Scan(&a.ID, &a.MessageID, &a.DeviceID, &a.Action, &reason, &a.ActedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter action: %w", err)
		}
		a.Reason = reason.String
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letter actions: %w", err)
	}
	return actions, nil
}

// CleanupOldRecords deletes history older than retentionDays and returns the number of rows removed
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()

	var removed int64
	for _, query := range []string{DeleteDeliveryAttemptsBeforeQuery, DeleteDeadLetterActionsBeforeQuery} {
		err := retryableDBOperationNoReturn(ctx, func() error {
			result, err := d.db.ExecContext(ctx, query, cutoff)
			if err != nil {
				return err
			}
			n, _ := result.RowsAffected()
			removed += n
			return nil
		}, "cleanup old records")
		if err != nil {
			return removed, fmt.Errorf("failed to cleanup old records: %w", err)
		}
	}

	return removed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
