// Package query serves the read side: authorization checks, per-pair cell
// detail, and the team autonomy matrix. It never writes; pairs without history
// read as the implicit default cell.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/storage"
	"github.com/mandatehq/mandate/internal/telemetry"
)

// Store is the read surface the query service needs. *storage.DB satisfies it.
type Store interface {
	GetState(ctx context.Context, subjectID string, actionType model.ActionType) (model.AutonomyState, error)
	ListStatesBySubjects(ctx context.Context, subjectIDs []string) ([]model.AutonomyState, error)
	ListTeamMembers(ctx context.Context, teamID string) ([]storage.TeamMember, error)
	ReadHistory(ctx context.Context, subjectID string, actionType model.ActionType, limit int) ([]model.AutonomyEvent, error)
}

// Cell is the read model for one (subject, action type) pair.
type Cell struct {
	SubjectID  string
	ActionType model.ActionType
	Tier       model.Tier
	// Score is nil until the pair's first signal.
	Score *float64
	// DaysSincePromotion counts whole days in the current tier.
	DaysSincePromotion int
	SignalsInTier      int
	// ProposedToTier and GraceDeadline are set while a promotion proposal is
	// pending.
	ProposedToTier *model.Tier
	GraceDeadline  *time.Time
	// RecentEvents holds up to recentEventLimit audit events, newest first.
	// Only populated by GetCell; the matrix stays light.
	RecentEvents []model.AutonomyEvent
}

// MatrixRow is one subject's cells across every action type.
type MatrixRow struct {
	SubjectID   string
	DisplayName string
	Cells       []Cell
}

// Matrix is the team-wide autonomy view: members x action types.
type Matrix struct {
	TeamID      string
	ActionTypes []model.ActionType
	Rows        []MatrixRow
}

const recentEventLimit = 5

// Service answers read queries against the state and event tables.
type Service struct {
	store       Store
	actionTypes []model.ActionType
	gracePeriod time.Duration
	logger      *slog.Logger
	now         func() time.Time

	authorizeCount metric.Int64Counter
}

// New creates a query Service. now is the clock source; pass nil for time.Now.
func New(store Store, actionTypes []model.ActionType, gracePeriod time.Duration, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	meter := telemetry.Meter("mandate/query")
	authorizeCount, _ := meter.Int64Counter("mandate.query.authorize",
		metric.WithDescription("Authorization checks answered, by resulting tier"))
	return &Service{
		store:          store,
		actionTypes:    actionTypes,
		gracePeriod:    gracePeriod,
		logger:         logger,
		now:            now,
		authorizeCount: authorizeCount,
	}
}

// Authorize answers "what may this agent do right now" for one pair. The
// answer fails closed: a pair with no history is Disabled, and any storage
// failure also reports Disabled alongside the error so callers never act on
// a stale guess.
func (s *Service) Authorize(ctx context.Context, subjectID string, actionType model.ActionType) (model.Tier, error) {
	state, err := s.store.GetState(ctx, subjectID, actionType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.record(ctx, model.TierDisabled)
			return model.TierDisabled, nil
		}
		s.logger.Error("query: authorize falling back to disabled",
			"subject_id", subjectID, "action_type", actionType, "error", err)
		s.record(ctx, model.TierDisabled)
		return model.TierDisabled, fmt.Errorf("query: authorize (%s,%s): %w", subjectID, actionType, err)
	}
	s.record(ctx, state.Tier)
	return state.Tier, nil
}

// GetCell returns the detail view for one pair, including its most recent
// audit events. Pairs without history return the implicit default cell.
func (s *Service) GetCell(ctx context.Context, subjectID string, actionType model.ActionType) (Cell, error) {
	state, err := s.store.GetState(ctx, subjectID, actionType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No state row means no events either; they commit together.
			return s.defaultCell(subjectID, actionType), nil
		}
		return Cell{}, fmt.Errorf("query: get cell (%s,%s): %w", subjectID, actionType, err)
	}

	cell := s.cellFromState(state)
	events, err := s.store.ReadHistory(ctx, subjectID, actionType, recentEventLimit)
	if err != nil {
		return Cell{}, fmt.Errorf("query: read history (%s,%s): %w", subjectID, actionType, err)
	}
	cell.RecentEvents = events
	return cell, nil
}

// GetHistory returns a pair's audit trail, newest first, capped at limit.
func (s *Service) GetHistory(ctx context.Context, subjectID string, actionType model.ActionType, limit int) ([]model.AutonomyEvent, error) {
	events, err := s.store.ReadHistory(ctx, subjectID, actionType, limit)
	if err != nil {
		return nil, fmt.Errorf("query: get history (%s,%s): %w", subjectID, actionType, err)
	}
	return events, nil
}

// GetMatrix composes the team autonomy matrix: one row per team member, one
// cell per action type. Pairs with no history render as the default cell, so
// the matrix is always dense.
func (s *Service) GetMatrix(ctx context.Context, teamID string) (Matrix, error) {
	members, err := s.store.ListTeamMembers(ctx, teamID)
	if err != nil {
		return Matrix{}, fmt.Errorf("query: list team %s: %w", teamID, err)
	}

	subjectIDs := make([]string, len(members))
	for i, m := range members {
		subjectIDs[i] = m.SubjectID
	}
	states, err := s.store.ListStatesBySubjects(ctx, subjectIDs)
	if err != nil {
		return Matrix{}, fmt.Errorf("query: list states for team %s: %w", teamID, err)
	}

	type pair struct {
		subject string
		action  model.ActionType
	}
	byPair := make(map[pair]model.AutonomyState, len(states))
	for _, st := range states {
		byPair[pair{st.SubjectID, st.ActionType}] = st
	}

	matrix := Matrix{TeamID: teamID, ActionTypes: s.actionTypes}
	for _, m := range members {
		row := MatrixRow{SubjectID: m.SubjectID, DisplayName: m.DisplayName}
		for _, at := range s.actionTypes {
			if st, ok := byPair[pair{m.SubjectID, at}]; ok {
				row.Cells = append(row.Cells, s.cellFromState(st))
			} else {
				row.Cells = append(row.Cells, s.defaultCell(m.SubjectID, at))
			}
		}
		matrix.Rows = append(matrix.Rows, row)
	}
	return matrix, nil
}

func (s *Service) cellFromState(state model.AutonomyState) Cell {
	cell := Cell{
		SubjectID:          state.SubjectID,
		ActionType:         state.ActionType,
		Tier:               state.Tier,
		Score:              state.Score,
		DaysSincePromotion: state.DaysInTier(s.now()),
		SignalsInTier:      state.SignalsInTier,
		ProposedToTier:     state.ProposedToTier,
	}
	if state.ProposedAt != nil {
		deadline := state.ProposedAt.Add(s.gracePeriod)
		cell.GraceDeadline = &deadline
	}
	return cell
}

func (s *Service) defaultCell(subjectID string, actionType model.ActionType) Cell {
	return Cell{
		SubjectID:  subjectID,
		ActionType: actionType,
		Tier:       model.TierDisabled,
	}
}

func (s *Service) record(ctx context.Context, tier model.Tier) {
	s.authorizeCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier))))
}
