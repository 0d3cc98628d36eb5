package storage

import (
	"context"
	"fmt"
	"time"
)

// InboxEntry is one durable row in the inbound signal stream. Signals are
// enqueued by collaborators and drained by the sharded stream consumers;
// processed rows are retained with their outcome for operational debugging.
type InboxEntry struct {
	ID         int64
	SubjectID  string
	ActionType string
	Kind       string
	Severity   string
	TargetTier string
	Reason     string
	OccurredAt time.Time
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// EnqueueSignal appends a raw signal to the inbox and notifies consumers.
// Validation happens at processing time — the inbox accepts anything so that
// a malformed signal is visible in the table with its rejection reason rather
// than silently dropped at the door.
func (db *DB) EnqueueSignal(ctx context.Context, e InboxEntry) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO signal_inbox (subject_id, action_type, kind, severity, target_tier, reason, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		e.SubjectID, e.ActionType, e.Kind, e.Severity, e.TargetTier, e.Reason, e.OccurredAt,
	).Scan(&id)
	if err != nil {
		return 0, classify(fmt.Errorf("storage: enqueue signal: %w", err))
	}
	if err := db.Notify(ctx, ChannelSignals, fmt.Sprintf("%d", id)); err != nil {
		db.logger.Warn("storage: inbox wakeup notify failed", "error", err)
	}
	return id, nil
}

// ClaimShardBatch returns up to limit unprocessed inbox rows belonging to one
// shard, oldest first. Sharding hashes the subject ID so all signals for a
// subject land on the same consumer, which processes them sequentially in
// inbox order — the single-writer-per-pair rule by construction. Each shard
// has exactly one consumer, so no row lock is needed; the optimistic check in
// ApplyTransitionTx is the backstop against misconfigured deployments.
func (db *DB) ClaimShardBatch(ctx context.Context, shard, shards, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, subject_id, action_type, kind, severity, target_tier, reason, occurred_at, enqueued_at, attempts
		 FROM signal_inbox
		 WHERE processed_at IS NULL
		   AND mod(abs(hashtext(subject_id)), $1) = $2
		 ORDER BY id ASC
		 LIMIT $3`, shards, shard, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: claim shard batch: %w", err))
	}
	defer rows.Close()

	var entries []InboxEntry
	for rows.Next() {
		var e InboxEntry
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ActionType, &e.Kind, &e.Severity,
			&e.TargetTier, &e.Reason, &e.OccurredAt, &e.EnqueuedAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan inbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkProcessed records that an inbox row was applied (or rejected, with the
// rejection captured in lastError).
func (db *DB) MarkProcessed(ctx context.Context, id int64, lastError string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE signal_inbox SET processed_at = now(), attempts = attempts + 1, last_error = NULLIF($2, '')
		 WHERE id = $1`, id, lastError)
	if err != nil {
		return classify(fmt.Errorf("storage: mark processed: %w", err))
	}
	return nil
}

// MarkFailed bumps the attempt counter on a row that should be retried.
func (db *DB) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE signal_inbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, lastError)
	if err != nil {
		return classify(fmt.Errorf("storage: mark failed: %w", err))
	}
	return nil
}

// TeamMember is a read-side row for matrix composition.
type TeamMember struct {
	SubjectID   string
	TeamID      string
	DisplayName string
}

// ListTeamMembers returns the members of a team ordered by display name.
func (db *DB) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT subject_id, team_id, display_name FROM team_members
		 WHERE team_id = $1 ORDER BY display_name ASC`, teamID)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: list team members: %w", err))
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.SubjectID, &m.TeamID, &m.DisplayName); err != nil {
			return nil, fmt.Errorf("storage: scan team member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpsertTeamMember registers or renames a team member.
func (db *DB) UpsertTeamMember(ctx context.Context, m TeamMember) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO team_members (subject_id, team_id, display_name)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (subject_id, team_id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		m.SubjectID, m.TeamID, m.DisplayName)
	if err != nil {
		return classify(fmt.Errorf("storage: upsert team member: %w", err))
	}
	return nil
}
