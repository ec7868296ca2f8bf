// Package event appends timeline events and enqueues outbox messages inside
// the caller's transaction, so every state change and its announcements
// commit or roll back together.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Append inserts a timeline event for the project. A transaction-scoped
// advisory lock keyed on the project serializes seq assignment, so events
// from parallel milestone transactions still get a gapless per-project
// sequence.
func Append(ctx context.Context, tx pgx.Tx, projectID string, milestoneID *string, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, projectID); err != nil {
		return fmt.Errorf("event: acquire timeline lock: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	var milestone any
	if milestoneID != nil && *milestoneID != "" {
		milestone = *milestoneID
	}

	const q = `
		INSERT INTO timeline_events (project_id, milestone_id, seq, type, actor_id, payload)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4::uuid, $5::jsonb
		FROM timeline_events
		WHERE project_id = $1
	`
	if _, err := tx.Exec(ctx, q, projectID, milestone, eventType, actor, body); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue writes an outbox message for downstream delivery.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}

// ReserveIdempotencyKey claims key inside the active transaction. The second
// claimant hits the primary key and gets ErrDuplicateKey, which callers treat
// as a successful replay.
func ReserveIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("event: empty idempotency key")
	}
	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("event: reserve idempotency key: %w", err)
	}
	return nil
}
