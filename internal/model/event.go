package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an autonomy audit event.
type EventType string

const (
	// Promotion lifecycle events.
	EventPromotionProposed EventType = "promotion_proposed"
	EventPromotionAccepted EventType = "promotion_accepted"
	EventPromotionDeclined EventType = "promotion_declined"
	EventPromotionNever    EventType = "promotion_never"

	// Demotion events.
	EventDemotionWarning   EventType = "demotion_warning"
	EventDemotionAuto      EventType = "demotion_auto"
	EventDemotionEmergency EventType = "demotion_emergency"

	// Human correction.
	EventManualOverride EventType = "manual_override"
)

// AutonomyEvent is an append-only entry in the audit log. Events are never
// edited or deleted; for a fixed pair they are totally ordered by SequenceNum
// even when OccurredAt timestamps tie. The state row is always reconstructible
// by replaying a pair's events in sequence order from the implicit initial
// state (Disabled, score nil).
type AutonomyEvent struct {
	ID          uuid.UUID
	SubjectID   string
	ActionType  ActionType
	EventType   EventType
	SequenceNum int64
	// FromTier and ToTier are equal when the event does not change tier
	// (e.g. a declined promotion proposal).
	FromTier      Tier
	ToTier        Tier
	TriggerReason string
	// Score at the time of the event; nil before the first signal.
	Score      *float64
	OccurredAt time.Time
	CreatedAt  time.Time
	// Payload carries the event-type-specific variant, keyed by EventType.
	Payload EventPayload
}

// EventPayload is the tagged union of per-event-type metadata. Each variant
// carries only the fields its event type needs.
type EventPayload struct {
	PromotionProposed *PromotionProposedPayload `json:"promotion_proposed,omitempty"`
	Demotion          *DemotionPayload          `json:"demotion,omitempty"`
	ManualOverride    *ManualOverridePayload    `json:"manual_override,omitempty"`
}

// PromotionProposedPayload records why a pair qualified for promotion.
type PromotionProposedPayload struct {
	ProposedTier  Tier      `json:"proposed_tier"`
	SignalsInTier int       `json:"signals_in_tier"`
	DaysInTier    int       `json:"days_in_tier"`
	GraceDeadline time.Time `json:"grace_deadline"`
}

// DemotionPayload records what drove a demotion.
type DemotionPayload struct {
	SignalKind          SignalKind `json:"signal_kind"`
	Severity            Severity   `json:"severity,omitempty"`
	ConsecutiveNegative int        `json:"consecutive_negative"`
}

// ManualOverridePayload records the human correction.
type ManualOverridePayload struct {
	RequestedTier Tier   `json:"requested_tier"`
	Reason        string `json:"reason,omitempty"`
}

// ChangesTier reports whether the event moved the pair to a different tier.
func (e AutonomyEvent) ChangesTier() bool {
	return e.FromTier != e.ToTier
}

// Replay folds a pair's events, in sequence order from the implicit initial
// state, into the tier they produce. Used to verify the event-sourcing
// consistency property: Replay(events) must equal the state row's tier.
func Replay(events []AutonomyEvent) Tier {
	tier := TierDisabled
	for _, e := range events {
		tier = e.ToTier
	}
	return tier
}
