package model

import "time"

// SignalKind classifies an outcome signal.
type SignalKind string

const (
	// SignalAccepted — a human accepted the agent's proposed action.
	SignalAccepted SignalKind = "accepted"
	// SignalDeclined — a human declined the agent's proposed action.
	SignalDeclined SignalKind = "declined"
	// SignalHarmful — the action caused a bad outcome, flagged by a reviewer.
	SignalHarmful SignalKind = "harmful"
	// SignalManualOverride — a human requests an explicit tier change.
	SignalManualOverride SignalKind = "manual_override_request"
)

// Severity qualifies a harmful signal.
type Severity string

const (
	// SeverityWarning — harmful but recoverable; demotes one tier.
	SeverityWarning Severity = "warning"
	// SeverityEmergency — severe; forces an immediate drop to Disabled,
	// bypassing all cooldowns.
	SeverityEmergency Severity = "emergency"
)

// OutcomeSignal is the normalized input to the tier state machine. Signals are
// ephemeral: they are folded into state and recorded as part of an event, never
// persisted on their own.
type OutcomeSignal struct {
	SubjectID  string
	ActionType ActionType
	Kind       SignalKind
	Severity   Severity // only meaningful for SignalHarmful
	TargetTier Tier     // only meaningful for SignalManualOverride
	Reason     string   // free-text, carried into the audit event
	OccurredAt time.Time

	// Late is set by the ingestor when OccurredAt does not advance the pair's
	// lastSignalAt. Late signals never fold into the score or counters; only
	// the chronologically next signal from each pair's perspective applies.
	Late bool
}

// Negative reports whether the signal counts toward the consecutive-negative
// demotion counter. Declined and harmful share one counter.
func (s OutcomeSignal) Negative() bool {
	return s.Kind == SignalDeclined || s.Kind == SignalHarmful
}
