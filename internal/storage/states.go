package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mandatehq/mandate/internal/model"
)

const stateColumns = `subject_id, action_type, tier, score, tier_entered_at,
	consecutive_negative, signals_in_tier, signals_total, last_signal_at,
	proposed_to_tier, proposed_at, last_sequence, version`

// GetState loads the state row for a pair. Returns ErrNotFound when the pair
// has no recorded history yet — callers treat that as the implicit default
// state, not an error condition.
func (db *DB) GetState(ctx context.Context, subjectID string, actionType model.ActionType) (model.AutonomyState, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM autonomy_states WHERE subject_id = $1 AND action_type = $2`,
		subjectID, actionType)
	s, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutonomyState{}, ErrNotFound
		}
		return model.AutonomyState{}, classify(fmt.Errorf("storage: get state: %w", err))
	}
	return s, nil
}

// ListStatesBySubjects loads all state rows for a set of subjects, for matrix
// composition. Missing pairs are simply absent from the result.
func (db *DB) ListStatesBySubjects(ctx context.Context, subjectIDs []string) ([]model.AutonomyState, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+stateColumns+` FROM autonomy_states WHERE subject_id = ANY($1)`,
		subjectIDs)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: list states: %w", err))
	}
	defer rows.Close()

	var states []model.AutonomyState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// ListExpiredProposals returns states whose pending promotion proposal was
// made before the cutoff. Used by the grace-period sweeper after a restart.
func (db *DB) ListExpiredProposals(ctx context.Context, cutoff time.Time, limit int) ([]model.AutonomyState, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+stateColumns+` FROM autonomy_states
		 WHERE proposed_at IS NOT NULL AND proposed_at < $1
		 ORDER BY proposed_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: list expired proposals: %w", err))
	}
	defer rows.Close()

	var states []model.AutonomyState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

// ApplyTransitionTx persists the outcome of one state machine evaluation:
// the state row update and the event appends happen in a single transaction,
// so a crash can never leave state that is not reconstructible from events.
//
// prev must be the state as read (its Version is the optimistic token; a
// Version of 0 means the pair had no row yet). Event IDs and per-pair sequence
// numbers are assigned here, continuing from prev.LastSequence. Returns the
// enriched events, or ErrConflict when another writer got there first.
func (db *DB) ApplyTransitionTx(ctx context.Context, prev, next model.AutonomyState, events []model.AutonomyEvent) ([]model.AutonomyEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("storage: begin transition tx: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	next.LastSequence = prev.LastSequence + int64(len(events))
	next.Version = prev.Version + 1

	if prev.Version == 0 {
		tag, err := tx.Exec(ctx,
			`INSERT INTO autonomy_states (`+stateColumns+`, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
			 ON CONFLICT (subject_id, action_type) DO NOTHING`,
			stateArgs(next)...)
		if err != nil {
			return nil, classify(fmt.Errorf("storage: insert state: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("storage: create state for (%s,%s): %w", next.SubjectID, next.ActionType, ErrConflict)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE autonomy_states SET
			     tier = $3, score = $4, tier_entered_at = $5, consecutive_negative = $6,
			     signals_in_tier = $7, signals_total = $8, last_signal_at = $9,
			     proposed_to_tier = $10, proposed_at = $11, last_sequence = $12,
			     version = $13, updated_at = now()
			 WHERE subject_id = $1 AND action_type = $2 AND version = $14`,
			append(stateArgs(next), prev.Version)...)
		if err != nil {
			return nil, classify(fmt.Errorf("storage: update state: %w", err))
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("storage: update state for (%s,%s): %w", next.SubjectID, next.ActionType, ErrConflict)
		}
	}

	now := time.Now().UTC()
	for i := range events {
		events[i].ID = uuid.New()
		events[i].SequenceNum = prev.LastSequence + int64(i) + 1
		events[i].CreatedAt = now
		if err := insertEventTx(ctx, tx, events[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("storage: commit transition: %w", err))
	}
	return events, nil
}

func stateArgs(s model.AutonomyState) []any {
	var score any
	if s.Score != nil {
		score = *s.Score
	}
	var lastSignalAt any
	if s.LastSignalAt != nil {
		lastSignalAt = *s.LastSignalAt
	}
	var proposedTo any
	if s.ProposedToTier != nil {
		proposedTo = string(*s.ProposedToTier)
	}
	var proposedAt any
	if s.ProposedAt != nil {
		proposedAt = *s.ProposedAt
	}
	return []any{
		s.SubjectID, string(s.ActionType), string(s.Tier), score, s.TierEnteredAt,
		s.ConsecutiveNegative, s.SignalsInTier, s.SignalsTotal, lastSignalAt,
		proposedTo, proposedAt, s.LastSequence, s.Version,
	}
}

func scanState(row pgx.Row) (model.AutonomyState, error) {
	var (
		s          model.AutonomyState
		tier       string
		actionType string
		score      *float64
		proposedTo *string
	)
	err := row.Scan(
		&s.SubjectID, &actionType, &tier, &score, &s.TierEnteredAt,
		&s.ConsecutiveNegative, &s.SignalsInTier, &s.SignalsTotal, &s.LastSignalAt,
		&proposedTo, &s.ProposedAt, &s.LastSequence, &s.Version,
	)
	if err != nil {
		return model.AutonomyState{}, err
	}
	s.ActionType = model.ActionType(actionType)
	s.Tier = model.Tier(tier)
	s.Score = score
	if proposedTo != nil {
		t := model.Tier(*proposedTo)
		s.ProposedToTier = &t
	}
	return s, nil
}

// classify tags connection-level failures as ErrUnavailable so callers can
// fail closed without string matching. Conflicts and data errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
		// Class 08 — connection exception.
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
