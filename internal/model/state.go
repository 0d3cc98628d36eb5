package model

import "time"

// AutonomyState is the materialized projection of one (subject, action type)
// pair's event stream. It is created lazily on the pair's first signal and is
// mutated only inside the same transaction that appends the corresponding
// AutonomyEvent — there is no direct mutation path.
type AutonomyState struct {
	SubjectID  string
	ActionType ActionType

	Tier Tier
	// Score is the rolling confidence estimate in [0,1]; nil until the first
	// signal has been folded in.
	Score *float64
	// TierEnteredAt is the OccurredAt of the event that produced the current
	// tier. Drives the promotion cooldown and "days since promotion".
	TierEnteredAt time.Time
	// ConsecutiveNegative counts declined/harmful signals since the last
	// positive signal or transition; drives ordinary demotion.
	ConsecutiveNegative int
	// SignalsInTier counts outcome signals observed since entering the
	// current tier; drives the promotion minimum-signal gate.
	SignalsInTier int
	// SignalsTotal counts all outcome signals ever applied for the pair;
	// selects the scoring learning rate (fast early, slow after).
	SignalsTotal int
	LastSignalAt *time.Time

	// Pending promotion proposal, if any. Set by promotion_proposed, cleared
	// by promotion_accepted/declined/never and by any demotion.
	ProposedToTier *Tier
	ProposedAt     *time.Time

	// LastSequence is the per-pair sequence number of the most recent event.
	LastSequence int64
	// Version is bumped on every state write, including writes that append no
	// event (score-only updates). The optimistic concurrency token: a writer
	// that loses the race gets ErrConflict and retries against fresh state.
	Version int64
}

// NewState returns the implicit initial state for a pair that has no recorded
// history: Disabled, score nil, no events.
func NewState(subjectID string, actionType ActionType, now time.Time) AutonomyState {
	return AutonomyState{
		SubjectID:     subjectID,
		ActionType:    actionType,
		Tier:          TierDisabled,
		TierEnteredAt: now,
	}
}

// ProposalPending reports whether a promotion proposal awaits confirmation.
func (s AutonomyState) ProposalPending() bool {
	return s.ProposedToTier != nil
}

// DaysInTier returns whole days elapsed since the current tier was entered.
func (s AutonomyState) DaysInTier(now time.Time) int {
	return int(now.Sub(s.TierEnteredAt).Hours() / 24)
}
