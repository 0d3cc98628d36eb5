// Package tier implements the autonomy tier state machine. Evaluation is
// pure: given the current state, a normalized signal, and the policy, it
// returns the new state plus the audit events to append. Persisting both
// atomically is the storage layer's job; serializing writers per pair is the
// engine's.
package tier

import (
	"errors"
	"fmt"

	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/scoring"
)

// ErrInvalidTransition is returned when an operation matches no rule, e.g.
// confirming a promotion that was never proposed. Nothing is recorded.
var ErrInvalidTransition = errors.New("tier: invalid transition")

// Transition is the result of one evaluation: the post-state and the events
// that justify it. Events carry no ID, sequence number, or created-at — the
// storage layer assigns those when it appends. A transition with no events is
// a state-only update (score fold-in, counter bump).
type Transition struct {
	State  model.AutonomyState
	Events []model.AutonomyEvent
}

// Machine evaluates transition rules against one pair's state.
type Machine struct {
	policy  Policy
	scoring scoring.Params
}

// New creates a Machine with the given policy and scoring constants.
func New(policy Policy, scoring scoring.Params) *Machine {
	return &Machine{policy: policy, scoring: scoring}
}

// ApplySignal evaluates an outcome or manual-override signal against state.
//
// Rule priority: emergency demotion, then manual override, then ordinary
// demotion, then promotion proposal. Late signals are absorbed without any
// state change or event — re-submitting an already-applied signal is a no-op.
func (m *Machine) ApplySignal(state model.AutonomyState, sig model.OutcomeSignal) (Transition, error) {
	if sig.SubjectID != state.SubjectID || sig.ActionType != state.ActionType {
		return Transition{}, fmt.Errorf("%w: signal for pair (%s,%s) applied to state (%s,%s)",
			ErrInvalidTransition, sig.SubjectID, sig.ActionType, state.SubjectID, state.ActionType)
	}
	if sig.Late {
		return Transition{State: state}, nil
	}

	// Rule 1: emergency demotion. Fires from any tier, including Disabled,
	// where it still leaves a no-op audit record. Safety wins over stability:
	// this is the only rule that skips tiers and bypasses every cooldown.
	if sig.Kind == model.SignalHarmful && sig.Severity == model.SeverityEmergency {
		next := state
		next.Score = m.scoring.Update(state.Score, sig, state.SignalsTotal)
		next.SignalsTotal++
		from := next.Tier
		next.Tier = model.TierDisabled
		next.ConsecutiveNegative = 0
		clearProposal(&next)
		enterTier(&next, sig, from)
		ev := newEvent(next, model.EventDemotionEmergency, from, next.Tier, sig,
			reasonOrDefault(sig, "harmful outcome flagged as emergency"))
		ev.Payload.Demotion = &model.DemotionPayload{
			SignalKind: sig.Kind,
			Severity:   sig.Severity,
		}
		return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
	}

	// Rule 2: manual override. Valid from any tier to any tier.
	if sig.Kind == model.SignalManualOverride {
		if !sig.TargetTier.Valid() {
			return Transition{}, fmt.Errorf("%w: manual override without a valid target tier", ErrInvalidTransition)
		}
		next := state
		from := next.Tier
		next.Tier = sig.TargetTier
		next.ConsecutiveNegative = 0
		clearProposal(&next)
		enterTier(&next, sig, from)
		ev := newEvent(next, model.EventManualOverride, from, next.Tier, sig,
			reasonOrDefault(sig, "manual override requested"))
		ev.Payload.ManualOverride = &model.ManualOverridePayload{
			RequestedTier: sig.TargetTier,
			Reason:        sig.Reason,
		}
		return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
	}

	// Outcome signal: fold into score and counters first.
	next := state
	next.Score = m.scoring.Update(state.Score, sig, state.SignalsTotal)
	next.SignalsTotal++
	next.SignalsInTier++
	t := sig.OccurredAt
	next.LastSignalAt = &t

	if sig.Negative() {
		next.ConsecutiveNegative++
	} else {
		next.ConsecutiveNegative = 0
	}

	// Rule 3: ordinary demotion. A warning-severity harmful signal demotes
	// immediately; declined signals demote once the consecutive-negative
	// threshold is reached. One level at a time — only the emergency path
	// free-falls to Disabled.
	thresholdHit := next.ConsecutiveNegative >= m.policy.NegativeThreshold
	if sig.Kind == model.SignalHarmful || thresholdHit {
		from := next.Tier
		eventType := model.EventDemotionWarning
		reason := fmt.Sprintf("harmful outcome (%s)", sig.Severity)
		if thresholdHit {
			eventType = model.EventDemotionAuto
			reason = fmt.Sprintf("%d consecutive negative signals", next.ConsecutiveNegative)
		}
		count := next.ConsecutiveNegative
		next.Tier = from.Prev()
		next.ConsecutiveNegative = 0
		clearProposal(&next)
		enterTier(&next, sig, from)
		ev := newEvent(next, eventType, from, next.Tier, sig, reasonOrDefault(sig, reason))
		ev.Payload.Demotion = &model.DemotionPayload{
			SignalKind:          sig.Kind,
			Severity:            sig.Severity,
			ConsecutiveNegative: count,
		}
		return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
	}

	// Rule 4: promotion eligibility. A qualifying pair gets a proposal event;
	// the tier itself does not move until a human (or the grace window)
	// resolves it via ResolveProposal/ExpireProposal.
	if m.eligibleForPromotion(next, sig) {
		proposed := next.Tier.Next()
		next.ProposedToTier = &proposed
		pt := sig.OccurredAt
		next.ProposedAt = &pt
		ev := newEvent(next, model.EventPromotionProposed, next.Tier, next.Tier, sig,
			fmt.Sprintf("score %.2f over threshold %.2f after %d signals in tier",
				*next.Score, m.policy.PromotionThresholds[next.Tier], next.SignalsInTier))
		ev.Payload.PromotionProposed = &model.PromotionProposedPayload{
			ProposedTier:  proposed,
			SignalsInTier: next.SignalsInTier,
			DaysInTier:    next.DaysInTier(sig.OccurredAt),
			GraceDeadline: sig.OccurredAt.Add(m.policy.GracePeriod),
		}
		return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
	}

	// Notable-event-free update: score and counters moved, tier did not.
	return Transition{State: next}, nil
}

// ResolveProposal applies a human decision on a pending promotion proposal.
// Accepting advances exactly one tier; declining leaves the tier unchanged and
// makes the pair eligible for re-proposal after the next qualifying update.
func (m *Machine) ResolveProposal(state model.AutonomyState, accepted bool, sig model.OutcomeSignal) (Transition, error) {
	if !state.ProposalPending() {
		return Transition{}, fmt.Errorf("%w: no promotion proposal pending for (%s,%s)",
			ErrInvalidTransition, state.SubjectID, state.ActionType)
	}

	next := state
	proposed := *state.ProposedToTier
	clearProposal(&next)

	if !accepted {
		ev := newEvent(next, model.EventPromotionDeclined, next.Tier, next.Tier, sig,
			reasonOrDefault(sig, "promotion declined by reviewer"))
		return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
	}

	from := next.Tier
	next.Tier = proposed
	next.ConsecutiveNegative = 0
	enterTier(&next, sig, from)
	ev := newEvent(next, model.EventPromotionAccepted, from, next.Tier, sig,
		reasonOrDefault(sig, "promotion accepted by reviewer"))
	return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
}

// ExpireProposal records that a proposal's grace period lapsed with no human
// response. The tier stays put; the pair may be re-proposed later.
func (m *Machine) ExpireProposal(state model.AutonomyState, sig model.OutcomeSignal) (Transition, error) {
	if !state.ProposalPending() {
		return Transition{}, fmt.Errorf("%w: no promotion proposal pending for (%s,%s)",
			ErrInvalidTransition, state.SubjectID, state.ActionType)
	}
	next := state
	clearProposal(&next)
	ev := newEvent(next, model.EventPromotionNever, next.Tier, next.Tier, sig,
		"promotion proposal expired without a decision")
	return Transition{State: next, Events: []model.AutonomyEvent{ev}}, nil
}

func (m *Machine) eligibleForPromotion(state model.AutonomyState, sig model.OutcomeSignal) bool {
	if state.Tier == model.TierAuto || state.ProposalPending() {
		return false
	}
	threshold, ok := m.policy.PromotionThresholds[state.Tier]
	if !ok {
		return false
	}
	if state.Score == nil || *state.Score < threshold {
		return false
	}
	if sig.OccurredAt.Sub(state.TierEnteredAt) < m.policy.MinCooldown {
		return false
	}
	return state.SignalsInTier >= m.policy.MinSignalCount
}

// enterTier resets the per-tier bookkeeping when the tier changed.
func enterTier(next *model.AutonomyState, sig model.OutcomeSignal, from model.Tier) {
	t := sig.OccurredAt
	next.LastSignalAt = &t
	if next.Tier == from {
		return
	}
	next.TierEnteredAt = sig.OccurredAt
	next.SignalsInTier = 0
}

func clearProposal(next *model.AutonomyState) {
	next.ProposedToTier = nil
	next.ProposedAt = nil
}

func newEvent(state model.AutonomyState, eventType model.EventType, from, to model.Tier, sig model.OutcomeSignal, reason string) model.AutonomyEvent {
	return model.AutonomyEvent{
		SubjectID:     state.SubjectID,
		ActionType:    state.ActionType,
		EventType:     eventType,
		FromTier:      from,
		ToTier:        to,
		TriggerReason: reason,
		Score:         state.Score,
		OccurredAt:    sig.OccurredAt,
	}
}

func reasonOrDefault(sig model.OutcomeSignal, fallback string) string {
	if sig.Reason != "" {
		return sig.Reason
	}
	return fallback
}
