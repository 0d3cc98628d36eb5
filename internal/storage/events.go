package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mandatehq/mandate/internal/model"
)

const eventColumns = `id, subject_id, action_type, event_type, sequence_num,
	from_tier, to_tier, trigger_reason, score, occurred_at, created_at, payload`

// insertEventTx appends one audit event inside an open transaction. Append is
// the only write path for autonomy_events; rows are never edited or deleted.
func insertEventTx(ctx context.Context, tx pgx.Tx, e model.AutonomyEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal event payload: %w", err)
	}
	var score any
	if e.Score != nil {
		score = *e.Score
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO autonomy_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)`,
		e.ID, e.SubjectID, string(e.ActionType), string(e.EventType), e.SequenceNum,
		string(e.FromTier), string(e.ToTier), e.TriggerReason, score, e.OccurredAt, e.CreatedAt, payload,
	)
	if err != nil {
		return classify(fmt.Errorf("storage: insert event: %w", err))
	}
	return nil
}

// ReadHistory returns a pair's events, newest first, capped at limit
// (default 50). Ordering is by the per-pair sequence number, which stays
// total even when occurred_at timestamps tie.
func (db *DB) ReadHistory(ctx context.Context, subjectID string, actionType model.ActionType, limit int) ([]model.AutonomyEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM autonomy_events
		 WHERE subject_id = $1 AND action_type = $2
		 ORDER BY sequence_num DESC
		 LIMIT $3`, subjectID, string(actionType), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: read history: %w", err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadRecent returns a pair's events from the last sinceDays days, newest
// first.
func (db *DB) ReadRecent(ctx context.Context, subjectID string, actionType model.ActionType, sinceDays int) ([]model.AutonomyEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM autonomy_events
		 WHERE subject_id = $1 AND action_type = $2
		   AND occurred_at >= now() - make_interval(days => $3)
		 ORDER BY sequence_num DESC`, subjectID, string(actionType), sinceDays)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: read recent: %w", err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll returns a pair's full event stream in sequence order, oldest first.
// Used to verify the replay consistency property.
func (db *DB) ReadAll(ctx context.Context, subjectID string, actionType model.ActionType) ([]model.AutonomyEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM autonomy_events
		 WHERE subject_id = $1 AND action_type = $2
		 ORDER BY sequence_num ASC`, subjectID, string(actionType))
	if err != nil {
		return nil, classify(fmt.Errorf("storage: read all events: %w", err))
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]model.AutonomyEvent, error) {
	var events []model.AutonomyEvent
	for rows.Next() {
		var (
			e          model.AutonomyEvent
			actionType string
			eventType  string
			fromTier   string
			toTier     string
			score      *float64
			payload    []byte
		)
		if err := rows.Scan(
			&e.ID, &e.SubjectID, &actionType, &eventType, &e.SequenceNum,
			&fromTier, &toTier, &e.TriggerReason, &score, &e.OccurredAt, &e.CreatedAt, &payload,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.ActionType = model.ActionType(actionType)
		e.EventType = model.EventType(eventType)
		e.FromTier = model.Tier(fromTier)
		e.ToTier = model.Tier(toTier)
		e.Score = score
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
