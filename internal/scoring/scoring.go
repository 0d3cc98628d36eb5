// Package scoring computes the rolling confidence estimate for one
// (subject, action type) pair. The update is a pure function of the current
// score and the incoming signal — no I/O, no clock.
package scoring

import "github.com/mandatehq/mandate/internal/model"

// Params are the learning-rate constants. They are deployment configuration,
// fixed for the lifetime of the process.
type Params struct {
	// AlphaEarly applies while the pair has seen fewer than EarlySignals
	// signals, for faster initial convergence.
	AlphaEarly float64
	// AlphaLate applies afterwards, for stability.
	AlphaLate float64
	// EarlySignals is the signal count below which AlphaEarly applies.
	EarlySignals int
}

// DefaultParams mirror the illustrative policy defaults.
var DefaultParams = Params{
	AlphaEarly:   0.5,
	AlphaLate:    0.2,
	EarlySignals: 5,
}

// outcomeValue maps a signal kind to its contribution. Harmful contributes -1
// so that a single bad outcome drags the score toward 0 regardless of how long
// the preceding good streak was; the floor in Update keeps the result in range.
func outcomeValue(kind model.SignalKind) (float64, bool) {
	switch kind {
	case model.SignalAccepted:
		return 1.0, true
	case model.SignalDeclined:
		return 0.0, true
	case model.SignalHarmful:
		return -1.0, true
	default:
		// Manual overrides and promotion decisions carry no outcome value.
		return 0, false
	}
}

// Update folds one signal into the current score and returns the new score.
//
// current is nil until the pair's first signal; the update then starts from a
// 0.0 baseline. signalCount is the number of signals already applied for the
// pair (before this one) and selects the learning rate. Late signals and kinds
// without an outcome value leave the score unchanged: only the chronologically
// next signal from each pair's perspective may be folded in, preserving a
// linear per-pair history under network jitter.
func (p Params) Update(current *float64, sig model.OutcomeSignal, signalCount int) *float64 {
	if sig.Late {
		return current
	}
	v, ok := outcomeValue(sig.Kind)
	if !ok {
		return current
	}

	alpha := p.AlphaLate
	if signalCount < p.EarlySignals {
		alpha = p.AlphaEarly
	}

	base := 0.0
	if current != nil {
		base = *current
	}
	next := base*(1-alpha) + v*alpha
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	return &next
}
