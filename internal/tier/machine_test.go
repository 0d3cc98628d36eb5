package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/scoring"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testPolicy removes the cooldown so promotion paths are reachable in-test.
func testPolicy() Policy {
	p := DefaultPolicy()
	p.MinCooldown = 0
	return p
}

func newMachine() *Machine {
	return New(testPolicy(), scoring.DefaultParams)
}

func signal(kind model.SignalKind, at time.Time) model.OutcomeSignal {
	return model.OutcomeSignal{
		SubjectID:  "rep-1",
		ActionType: "send_email",
		Kind:       kind,
		OccurredAt: at,
	}
}

func stateAt(tierVal model.Tier) model.AutonomyState {
	s := model.NewState("rep-1", "send_email", t0.Add(-48*time.Hour))
	s.Tier = tierVal
	return s
}

// applyAll runs a sequence of signals through the machine, collecting events.
func applyAll(t *testing.T, m *Machine, state model.AutonomyState, sigs []model.OutcomeSignal) (model.AutonomyState, []model.AutonomyEvent) {
	t.Helper()
	var events []model.AutonomyEvent
	for _, sig := range sigs {
		tr, err := m.ApplySignal(state, sig)
		require.NoError(t, err)
		state = tr.State
		events = append(events, tr.Events...)
	}
	return state, events
}

func TestPromotionProposedAfterAcceptedStreak(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)

	sigs := []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
	}
	state, events := applyAll(t, m, state, sigs)

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, model.EventPromotionProposed, ev.EventType)
	assert.Equal(t, model.TierDisabled, ev.FromTier)
	assert.Equal(t, model.TierDisabled, ev.ToTier, "a proposal never changes the tier")

	assert.Equal(t, model.TierDisabled, state.Tier, "tier stays put until the proposal is confirmed")
	require.NotNil(t, state.Score)
	assert.InDelta(t, 0.875, *state.Score, 1e-9)
	require.NotNil(t, state.ProposedToTier)
	assert.Equal(t, model.TierApprove, *state.ProposedToTier)

	require.NotNil(t, ev.Payload.PromotionProposed)
	assert.Equal(t, model.TierApprove, ev.Payload.PromotionProposed.ProposedTier)
	assert.Equal(t, 3, ev.Payload.PromotionProposed.SignalsInTier)
}

func TestPromotionNeverSkipsATier(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)
	state, _ = applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
	})
	require.True(t, state.ProposalPending())

	tr, err := m.ResolveProposal(state, true, signal(model.SignalAccepted, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, model.EventPromotionAccepted, tr.Events[0].EventType)
	assert.Equal(t, model.TierApprove, tr.State.Tier, "exactly one tier up")
	assert.False(t, tr.State.ProposalPending())
	assert.Equal(t, 0, tr.State.SignalsInTier, "per-tier counters reset on entry")
	assert.Equal(t, t0.Add(3*time.Hour), tr.State.TierEnteredAt)
}

func TestPromotionDeclinedLeavesTier(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)
	state, _ = applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
	})

	tr, err := m.ResolveProposal(state, false, signal(model.SignalAccepted, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	ev := tr.Events[0]
	assert.Equal(t, model.EventPromotionDeclined, ev.EventType)
	assert.Equal(t, ev.FromTier, ev.ToTier)
	assert.Equal(t, model.TierDisabled, tr.State.Tier)
	assert.False(t, tr.State.ProposalPending())

	// Eligible again on the next qualifying signal.
	tr2, err := m.ApplySignal(tr.State, signal(model.SignalAccepted, t0.Add(4*time.Hour)))
	require.NoError(t, err)
	require.Len(t, tr2.Events, 1)
	assert.Equal(t, model.EventPromotionProposed, tr2.Events[0].EventType)
}

func TestResolveWithoutProposalIsInvalid(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierSuggest)

	_, err := m.ResolveProposal(state, true, signal(model.SignalAccepted, t0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpireProposal(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)
	state, _ = applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
	})
	require.True(t, state.ProposalPending())

	tr, err := m.ExpireProposal(state, signal(model.SignalAccepted, t0.Add(80*time.Hour)))
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, model.EventPromotionNever, tr.Events[0].EventType)
	assert.Equal(t, model.TierDisabled, tr.State.Tier)
	assert.False(t, tr.State.ProposalPending())

	_, err = m.ExpireProposal(tr.State, signal(model.SignalAccepted, t0.Add(81*time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConsecutiveDeclinedDemotesOnce(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)

	// Two declines: counter climbs, no transition.
	state, events := applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalDeclined, t0),
		signal(model.SignalDeclined, t0.Add(time.Minute)),
	})
	assert.Empty(t, events)
	assert.Equal(t, model.TierAuto, state.Tier)
	assert.Equal(t, 2, state.ConsecutiveNegative)

	// Third decline hits the threshold.
	tr, err := m.ApplySignal(state, signal(model.SignalDeclined, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	ev := tr.Events[0]
	assert.Equal(t, model.EventDemotionAuto, ev.EventType)
	assert.Equal(t, model.TierAuto, ev.FromTier)
	assert.Equal(t, model.TierSuggest, ev.ToTier)
	assert.Equal(t, model.TierSuggest, tr.State.Tier)
	assert.Equal(t, 0, tr.State.ConsecutiveNegative, "counter resets after firing")
	require.NotNil(t, ev.Payload.Demotion)
	assert.Equal(t, 3, ev.Payload.Demotion.ConsecutiveNegative)
}

func TestAcceptedResetsNegativeCounter(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)
	state, _ = applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalDeclined, t0),
		signal(model.SignalDeclined, t0.Add(time.Minute)),
		signal(model.SignalAccepted, t0.Add(2*time.Minute)),
	})
	assert.Equal(t, 0, state.ConsecutiveNegative)
	assert.Equal(t, model.TierAuto, state.Tier)
}

func TestHarmfulWarningDemotesOneLevel(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)

	sig := signal(model.SignalHarmful, t0)
	sig.Severity = model.SeverityWarning
	tr, err := m.ApplySignal(state, sig)
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, model.EventDemotionWarning, tr.Events[0].EventType)
	assert.Equal(t, model.TierSuggest, tr.State.Tier, "one level, not a free-fall")
	assert.Equal(t, 0, tr.State.ConsecutiveNegative)
}

func TestEmergencyDemotionFromAnyTier(t *testing.T) {
	m := newMachine()
	for _, from := range []model.Tier{model.TierAuto, model.TierSuggest, model.TierApprove, model.TierDisabled} {
		t.Run(string(from), func(t *testing.T) {
			state := stateAt(from)
			high := 0.95
			state.Score = &high

			sig := signal(model.SignalHarmful, t0)
			sig.Severity = model.SeverityEmergency
			tr, err := m.ApplySignal(state, sig)
			require.NoError(t, err)
			require.Len(t, tr.Events, 1)
			ev := tr.Events[0]
			assert.Equal(t, model.EventDemotionEmergency, ev.EventType)
			assert.Equal(t, from, ev.FromTier)
			assert.Equal(t, model.TierDisabled, ev.ToTier)
			assert.Equal(t, model.TierDisabled, tr.State.Tier)
			assert.Equal(t, 0, tr.State.ConsecutiveNegative)
		})
	}
}

func TestEmergencyDemotionIdempotent(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)

	first := signal(model.SignalHarmful, t0)
	first.Severity = model.SeverityEmergency
	tr1, err := m.ApplySignal(state, first)
	require.NoError(t, err)

	second := signal(model.SignalHarmful, t0.Add(time.Second))
	second.Severity = model.SeverityEmergency
	tr2, err := m.ApplySignal(tr1.State, second)
	require.NoError(t, err)

	// Same end state, two audit records, no crash.
	assert.Equal(t, model.TierDisabled, tr2.State.Tier)
	require.Len(t, tr2.Events, 1)
	assert.Equal(t, model.EventDemotionEmergency, tr2.Events[0].EventType)
	assert.Equal(t, model.TierDisabled, tr2.Events[0].FromTier)
	assert.Equal(t, model.TierDisabled, tr2.Events[0].ToTier)
}

func TestEmergencyOverridesPendingProposal(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)
	state, _ = applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
	})
	require.True(t, state.ProposalPending())

	sig := signal(model.SignalHarmful, t0.Add(3*time.Hour))
	sig.Severity = model.SeverityEmergency
	tr, err := m.ApplySignal(state, sig)
	require.NoError(t, err)
	assert.False(t, tr.State.ProposalPending(), "demotion overrides the in-flight promotion")

	_, err = m.ResolveProposal(tr.State, true, signal(model.SignalAccepted, t0.Add(4*time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManualOverride(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierSuggest)

	sig := signal(model.SignalManualOverride, t0)
	sig.TargetTier = model.TierAuto
	sig.Reason = "trusted senior rep"
	tr, err := m.ApplySignal(state, sig)
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	ev := tr.Events[0]
	assert.Equal(t, model.EventManualOverride, ev.EventType)
	assert.Equal(t, model.TierSuggest, ev.FromTier)
	assert.Equal(t, model.TierAuto, ev.ToTier)
	assert.Equal(t, "trusted senior rep", ev.TriggerReason)
	assert.Equal(t, model.TierAuto, tr.State.Tier)
	assert.Equal(t, 0, tr.State.ConsecutiveNegative)
}

func TestLateSignalIsNoOp(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)
	cur := 0.8
	state.Score = &cur
	state.SignalsTotal = 10

	sig := signal(model.SignalDeclined, t0)
	sig.Late = true
	tr, err := m.ApplySignal(state, sig)
	require.NoError(t, err)
	assert.Empty(t, tr.Events)
	assert.Equal(t, state, tr.State, "late signals fold into nothing")
}

func TestSignalForWrongPairRejected(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierAuto)

	sig := signal(model.SignalAccepted, t0)
	sig.SubjectID = "someone-else"
	_, err := m.ApplySignal(state, sig)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCooldownBlocksPromotion(t *testing.T) {
	p := DefaultPolicy() // 7 day cooldown
	m := New(p, scoring.DefaultParams)
	state := model.NewState("rep-1", "send_email", t0.Add(-time.Hour))

	state, events := applyAll(t, m, state, []model.OutcomeSignal{
		signal(model.SignalAccepted, t0),
		signal(model.SignalAccepted, t0.Add(time.Hour)),
		signal(model.SignalAccepted, t0.Add(2*time.Hour)),
		signal(model.SignalAccepted, t0.Add(3*time.Hour)),
	})
	assert.Empty(t, events, "no proposal inside the cooldown window")
	assert.False(t, state.ProposalPending())

	// Once the cooldown has elapsed, the next qualifying signal proposes.
	tr, err := m.ApplySignal(state, signal(model.SignalAccepted, t0.Add(8*24*time.Hour)))
	require.NoError(t, err)
	require.Len(t, tr.Events, 1)
	assert.Equal(t, model.EventPromotionProposed, tr.Events[0].EventType)
}

func TestReplayMatchesStateAcrossLifecycle(t *testing.T) {
	m := newMachine()
	state := stateAt(model.TierDisabled)
	var log []model.AutonomyEvent

	step := func(sig model.OutcomeSignal) {
		tr, err := m.ApplySignal(state, sig)
		require.NoError(t, err)
		state = tr.State
		log = append(log, tr.Events...)
	}

	step(signal(model.SignalAccepted, t0))
	step(signal(model.SignalAccepted, t0.Add(1*time.Hour)))
	step(signal(model.SignalAccepted, t0.Add(2*time.Hour))) // proposes

	tr, err := m.ResolveProposal(state, true, signal(model.SignalAccepted, t0.Add(3*time.Hour)))
	require.NoError(t, err)
	state = tr.State
	log = append(log, tr.Events...)

	step(signal(model.SignalDeclined, t0.Add(4*time.Hour)))
	hs := signal(model.SignalHarmful, t0.Add(5*time.Hour))
	hs.Severity = model.SeverityWarning
	step(hs) // demotes Approve -> Disabled

	em := signal(model.SignalHarmful, t0.Add(6*time.Hour))
	em.Severity = model.SeverityEmergency
	step(em)

	assert.Equal(t, state.Tier, model.Replay(log),
		"state must always be the replay of its own event stream")
}
