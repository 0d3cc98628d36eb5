// Package ingest normalizes raw outcome events into canonical OutcomeSignals.
// The ingestor validates identity, kind, and timing; it produces a signal or
// rejects the event, and never touches state.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mandatehq/mandate/internal/model"
)

// ErrInvalidSignal is returned for malformed events, unknown action types, or
// timestamps beyond the clock-skew tolerance. Invalid signals are reported to
// the caller and dropped — they never reach the state machine.
var ErrInvalidSignal = errors.New("ingest: invalid signal")

// RawSignal is the unvalidated inbound shape, as submitted by collaborators
// (UI, agent runtime) or read from the signal inbox.
type RawSignal struct {
	SubjectID  string
	ActionType string
	Kind       string
	Severity   string
	TargetTier string
	Reason     string
	OccurredAt time.Time
}

// Ingestor validates raw signals against the deployment's action type set.
type Ingestor struct {
	actionTypes map[model.ActionType]bool
	// clockSkew is how far into the future OccurredAt may lie before the
	// signal is rejected.
	clockSkew time.Duration
	now       func() time.Time
}

// New creates an Ingestor for the given closed action type set.
// now is the clock source; pass nil for time.Now.
func New(actionTypes []model.ActionType, clockSkew time.Duration, now func() time.Time) *Ingestor {
	set := make(map[model.ActionType]bool, len(actionTypes))
	for _, at := range actionTypes {
		set[at] = true
	}
	if now == nil {
		now = time.Now
	}
	return &Ingestor{actionTypes: set, clockSkew: clockSkew, now: now}
}

// Normalize validates raw and returns the canonical signal.
//
// lastSignalAt is the pair's most recent applied signal time (nil for a new
// pair); an OccurredAt that does not advance it marks the signal Late rather
// than rejecting it — the scoring function decides what to do with late
// arrivals.
func (in *Ingestor) Normalize(raw RawSignal, lastSignalAt *time.Time) (model.OutcomeSignal, error) {
	if strings.TrimSpace(raw.SubjectID) == "" {
		return model.OutcomeSignal{}, fmt.Errorf("%w: empty subject id", ErrInvalidSignal)
	}

	actionType := model.ActionType(raw.ActionType)
	if !in.actionTypes[actionType] {
		return model.OutcomeSignal{}, fmt.Errorf("%w: unknown action type %q", ErrInvalidSignal, raw.ActionType)
	}

	kind := model.SignalKind(raw.Kind)
	switch kind {
	case model.SignalAccepted, model.SignalDeclined, model.SignalHarmful, model.SignalManualOverride:
	default:
		return model.OutcomeSignal{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSignal, raw.Kind)
	}

	var severity model.Severity
	if kind == model.SignalHarmful {
		severity = model.Severity(raw.Severity)
		if severity == "" {
			severity = model.SeverityWarning
		}
		if severity != model.SeverityWarning && severity != model.SeverityEmergency {
			return model.OutcomeSignal{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidSignal, raw.Severity)
		}
	}

	var targetTier model.Tier
	if kind == model.SignalManualOverride {
		targetTier = model.Tier(raw.TargetTier)
		if !targetTier.Valid() {
			return model.OutcomeSignal{}, fmt.Errorf("%w: manual override requires a valid target tier, got %q", ErrInvalidSignal, raw.TargetTier)
		}
	}

	if raw.OccurredAt.IsZero() {
		return model.OutcomeSignal{}, fmt.Errorf("%w: missing occurred_at", ErrInvalidSignal)
	}
	if raw.OccurredAt.After(in.now().Add(in.clockSkew)) {
		return model.OutcomeSignal{}, fmt.Errorf("%w: occurred_at %s is in the future", ErrInvalidSignal, raw.OccurredAt.Format(time.RFC3339))
	}

	sig := model.OutcomeSignal{
		SubjectID:  raw.SubjectID,
		ActionType: actionType,
		Kind:       kind,
		Severity:   severity,
		TargetTier: targetTier,
		Reason:     raw.Reason,
		OccurredAt: raw.OccurredAt.UTC(),
	}
	if lastSignalAt != nil && !raw.OccurredAt.After(*lastSignalAt) {
		sig.Late = true
	}
	return sig, nil
}
