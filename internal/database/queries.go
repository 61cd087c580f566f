package database

// Delivery history queries
const (
	InsertDeliveryAttemptQuery = `
		INSERT INTO delivery_attempts (
			message_id, device_id, attempt, outcome, error, attempted_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	SelectDeliveryHistoryQuery = `
		SELECT id, message_id, device_id, attempt, outcome, error, attempted_at
		FROM delivery_attempts
		WHERE message_id = ?
		ORDER BY attempted_at ASC, id ASC
		LIMIT ?
	`

	CountOutcomesSinceQuery = `
		SELECT outcome, COUNT(*)
		FROM delivery_attempts
		WHERE attempted_at >= ?
		GROUP BY outcome
	`

	DeleteDeliveryAttemptsBeforeQuery = `
		DELETE FROM delivery_attempts
		WHERE attempted_at < ?
	`
)

// Dead letter action queries
const (
	InsertDeadLetterActionQuery = `
		INSERT INTO dead_letter_actions (
			message_id, device_id, action, reason, acted_at
		) VALUES (?, ?, ?, ?, ?)
	`

	SelectDeadLetterActionsQuery = `
		SELECT id, message_id, device_id, action, reason, acted_at
		FROM dead_letter_actions
		WHERE message_id = ?
		ORDER BY acted_at ASC, id ASC
	`

	DeleteDeadLetterActionsBeforeQuery = `
		DELETE FROM dead_letter_actions
		WHERE acted_at < ?
	`
)
