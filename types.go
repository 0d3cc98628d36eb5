package mandate

import (
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/service/query"
	"github.com/mandatehq/mandate/internal/tier"
)

// Tier is an agent's authority level for one action type, ordered from least
// to most autonomous.
type Tier string

const (
	// TierDisabled — the agent may not perform the action at all.
	TierDisabled Tier = "disabled"
	// TierApprove — the agent drafts; a human must approve before execution.
	TierApprove Tier = "approve"
	// TierSuggest — the agent acts, but announces first and a human can veto.
	TierSuggest Tier = "suggest"
	// TierAuto — the agent acts silently; outcomes remain audited.
	TierAuto Tier = "auto"
)

// Signal kinds accepted by SubmitOutcomeSignal.
const (
	SignalAccepted = "accepted"
	SignalDeclined = "declined"
	SignalHarmful  = "harmful"
)

// Harmful signal severities.
const (
	SeverityWarning   = "warning"
	SeverityEmergency = "emergency"
)

// Signal is one raw outcome observation about an agent acting on behalf of a
// subject. Signals are validated and applied asynchronously; a malformed
// signal surfaces in the inbox table with its rejection reason.
type Signal struct {
	SubjectID  string
	ActionType string
	Kind       string
	// Severity qualifies harmful signals; empty defaults to warning.
	Severity string
	// Reason is free text carried into the audit trail.
	Reason     string
	OccurredAt time.Time
}

// Event is one entry in a pair's append-only audit trail.
type Event struct {
	ID         uuid.UUID
	SubjectID  string
	ActionType string
	Type       string
	// SequenceNum totally orders a pair's events, even when timestamps tie.
	SequenceNum int64
	FromTier    Tier
	ToTier      Tier
	Reason      string
	Score       *float64
	OccurredAt  time.Time
	CreatedAt   time.Time
}

// Cell is the read model for one (subject, action type) pair.
type Cell struct {
	SubjectID  string
	ActionType string
	Tier       Tier
	Score      *float64
	// DaysSincePromotion counts whole days in the current tier.
	DaysSincePromotion int
	// ProposedToTier and GraceDeadline are set while a promotion proposal
	// awaits a human decision.
	ProposedToTier *Tier
	GraceDeadline  *time.Time
	RecentEvents   []Event
}

// MatrixRow is one subject's cells across every configured action type.
type MatrixRow struct {
	SubjectID   string
	DisplayName string
	Cells       []Cell
}

// Matrix is the team-wide autonomy view.
type Matrix struct {
	TeamID      string
	ActionTypes []string
	Rows        []MatrixRow
}

// TeamMember registers a subject in a team roster for matrix composition.
type TeamMember struct {
	SubjectID   string
	TeamID      string
	DisplayName string
}

// Policy overrides the environment-configured transition constants.
type Policy struct {
	// Promotion score thresholds, per current tier.
	PromoteFromDisabled float64
	PromoteFromApprove  float64
	PromoteFromSuggest  float64
	// MinCooldown is the minimum time in a tier before promotion.
	MinCooldown time.Duration
	// MinSignalCount is the minimum signals observed in the current tier.
	MinSignalCount int
	// NegativeThreshold demotes after this many consecutive negative signals.
	NegativeThreshold int
	// GracePeriod is how long a promotion proposal waits before expiring.
	GracePeriod time.Duration
}

func (p Policy) internal() tier.Policy {
	return tier.Policy{
		PromotionThresholds: map[model.Tier]float64{
			model.TierDisabled: p.PromoteFromDisabled,
			model.TierApprove:  p.PromoteFromApprove,
			model.TierSuggest:  p.PromoteFromSuggest,
		},
		MinCooldown:       p.MinCooldown,
		MinSignalCount:    p.MinSignalCount,
		NegativeThreshold: p.NegativeThreshold,
		GracePeriod:       p.GracePeriod,
	}
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicEvent converts an internal audit event to the public shape. Lives
// here because the root package is the only place that sees both sides of the
// internal boundary.
func toPublicEvent(e model.AutonomyEvent) Event {
	return Event{
		ID:          e.ID,
		SubjectID:   e.SubjectID,
		ActionType:  string(e.ActionType),
		Type:        string(e.EventType),
		SequenceNum: e.SequenceNum,
		FromTier:    Tier(e.FromTier),
		ToTier:      Tier(e.ToTier),
		Reason:      e.TriggerReason,
		Score:       e.Score,
		OccurredAt:  e.OccurredAt,
		CreatedAt:   e.CreatedAt,
	}
}

func toPublicEvents(events []model.AutonomyEvent) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = toPublicEvent(e)
	}
	return out
}

func toPublicCell(c query.Cell) Cell {
	cell := Cell{
		SubjectID:          c.SubjectID,
		ActionType:         string(c.ActionType),
		Tier:               Tier(c.Tier),
		Score:              c.Score,
		DaysSincePromotion: c.DaysSincePromotion,
		GraceDeadline:      c.GraceDeadline,
		RecentEvents:       toPublicEvents(c.RecentEvents),
	}
	if c.ProposedToTier != nil {
		t := Tier(*c.ProposedToTier)
		cell.ProposedToTier = &t
	}
	return cell
}

func toPublicMatrix(m query.Matrix) Matrix {
	out := Matrix{TeamID: m.TeamID}
	for _, at := range m.ActionTypes {
		out.ActionTypes = append(out.ActionTypes, string(at))
	}
	for _, row := range m.Rows {
		pub := MatrixRow{SubjectID: row.SubjectID, DisplayName: row.DisplayName}
		for _, c := range row.Cells {
			pub.Cells = append(pub.Cells, toPublicCell(c))
		}
		out.Rows = append(out.Rows, pub)
	}
	return out
}
