// Package engine orchestrates the signal pipeline: it loads a pair's state,
// runs the tier state machine, and persists the resulting transition with its
// audit events in one transaction. It owns the write path; reads live in the
// query service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mandatehq/mandate/internal/ingest"
	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/storage"
	"github.com/mandatehq/mandate/internal/telemetry"
	"github.com/mandatehq/mandate/internal/tier"
)

// Store is the persistence surface the engine needs. *storage.DB satisfies it;
// tests use an in-memory fake.
type Store interface {
	GetState(ctx context.Context, subjectID string, actionType model.ActionType) (model.AutonomyState, error)
	ApplyTransitionTx(ctx context.Context, prev, next model.AutonomyState, events []model.AutonomyEvent) ([]model.AutonomyEvent, error)
	ListExpiredProposals(ctx context.Context, cutoff time.Time, limit int) ([]model.AutonomyState, error)
	Notify(ctx context.Context, channel, payload string) error
}

// EventHook is invoked after an audit event has been committed. Hooks run
// synchronously on the apply path; keep them fast.
type EventHook func(ctx context.Context, event model.AutonomyEvent)

// Config holds the engine's operational knobs.
type Config struct {
	// ConflictRetry bounds internal retries when an optimistic write loses.
	ConflictRetry int
	// GracePeriod is how long a promotion proposal waits for a human decision
	// before it expires as promotion_never.
	GracePeriod time.Duration
	// SweepInterval is how often Run scans for expired proposals.
	SweepInterval time.Duration
	// SweepBatch caps how many expired proposals one sweep handles.
	SweepBatch int
	// Hook, if set, observes every committed event.
	Hook EventHook
	// Now is the clock source; nil means time.Now.
	Now func() time.Time
}

// conflictBackoff is the base delay between optimistic-write retries. Short:
// the pair lock already serializes writers in this process, so conflicts only
// come from other processes.
const conflictBackoff = 25 * time.Millisecond

type pairKey struct {
	subject string
	action  model.ActionType
}

// Engine serializes writers per pair and drives the state machine.
type Engine struct {
	store    Store
	machine  *tier.Machine
	ingestor *ingest.Ingestor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex

	eventCounter  metric.Int64Counter
	applyDuration metric.Float64Histogram
	conflictCount metric.Int64Counter
}

// New creates an Engine.
func New(store Store, machine *tier.Machine, ingestor *ingest.Ingestor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ConflictRetry < 1 {
		cfg.ConflictRetry = 3
	}
	if cfg.SweepBatch < 1 {
		cfg.SweepBatch = 100
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	meter := telemetry.Meter("mandate/engine")
	eventCounter, _ := meter.Int64Counter("mandate.engine.events",
		metric.WithDescription("Audit events committed, by event type"))
	applyDuration, _ := meter.Float64Histogram("mandate.engine.apply_duration",
		metric.WithDescription("End-to-end signal apply latency"),
		metric.WithUnit("ms"))
	conflictCount, _ := meter.Int64Counter("mandate.engine.conflicts",
		metric.WithDescription("Optimistic write conflicts encountered"))

	return &Engine{
		store:         store,
		machine:       machine,
		ingestor:      ingestor,
		cfg:           cfg,
		logger:        logger,
		now:           now,
		locks:         make(map[pairKey]*sync.Mutex),
		eventCounter:  eventCounter,
		applyDuration: applyDuration,
		conflictCount: conflictCount,
	}
}

// ApplySignal validates one raw signal and applies it to its pair. Returns the
// post-apply state and the committed audit events (empty for state-only
// updates and for late signals, which change nothing at all).
//
// Invalid signals return ingest.ErrInvalidSignal without touching state.
func (e *Engine) ApplySignal(ctx context.Context, raw ingest.RawSignal) (model.AutonomyState, []model.AutonomyEvent, error) {
	start := e.now()
	unlock := e.lockPair(pairKey{subject: raw.SubjectID, action: model.ActionType(raw.ActionType)})
	defer unlock()

	var (
		outState  model.AutonomyState
		outEvents []model.AutonomyEvent
	)
	err := storage.WithRetry(ctx, e.cfg.ConflictRetry, conflictBackoff, func() error {
		state, err := e.loadState(ctx, raw.SubjectID, model.ActionType(raw.ActionType))
		if err != nil {
			return err
		}

		sig, err := e.ingestor.Normalize(raw, state.LastSignalAt)
		if err != nil {
			return err
		}
		if sig.Late {
			// Already applied (or superseded). Nothing to write; resubmitting
			// the same signal is a no-op.
			outState, outEvents = state, nil
			return nil
		}

		tr, err := e.machine.ApplySignal(state, sig)
		if err != nil {
			return err
		}

		committed, err := e.commit(ctx, state, tr)
		if err != nil {
			return err
		}
		outState, outEvents = committed.State, committed.Events
		return nil
	})
	if err != nil {
		return model.AutonomyState{}, nil, fmt.Errorf("engine: apply signal for (%s,%s): %w",
			raw.SubjectID, raw.ActionType, err)
	}

	e.applyDuration.Record(ctx, float64(e.now().Sub(start).Milliseconds()))
	return outState, outEvents, nil
}

// SubmitPromotionDecision records a human decision on a pending promotion
// proposal. Returns tier.ErrInvalidTransition when no proposal is pending.
func (e *Engine) SubmitPromotionDecision(ctx context.Context, subjectID string, actionType model.ActionType, accepted bool, reason string) (model.AutonomyState, []model.AutonomyEvent, error) {
	unlock := e.lockPair(pairKey{subject: subjectID, action: actionType})
	defer unlock()

	var (
		outState  model.AutonomyState
		outEvents []model.AutonomyEvent
	)
	err := storage.WithRetry(ctx, e.cfg.ConflictRetry, conflictBackoff, func() error {
		state, err := e.store.GetState(ctx, subjectID, actionType)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: no state for (%s,%s)",
					tier.ErrInvalidTransition, subjectID, actionType)
			}
			return err
		}

		sig := model.OutcomeSignal{
			SubjectID:  subjectID,
			ActionType: actionType,
			Reason:     reason,
			OccurredAt: e.now().UTC(),
		}
		tr, err := e.machine.ResolveProposal(state, accepted, sig)
		if err != nil {
			return err
		}

		committed, err := e.commit(ctx, state, tr)
		if err != nil {
			return err
		}
		outState, outEvents = committed.State, committed.Events
		return nil
	})
	if err != nil {
		return model.AutonomyState{}, nil, fmt.Errorf("engine: resolve proposal for (%s,%s): %w",
			subjectID, actionType, err)
	}
	return outState, outEvents, nil
}

// SubmitManualOverride routes an explicit human tier change through the
// ordinary signal pipeline, so it is audited like everything else.
func (e *Engine) SubmitManualOverride(ctx context.Context, subjectID string, actionType model.ActionType, target model.Tier, reason string) (model.AutonomyState, []model.AutonomyEvent, error) {
	return e.ApplySignal(ctx, ingest.RawSignal{
		SubjectID:  subjectID,
		ActionType: string(actionType),
		Kind:       string(model.SignalManualOverride),
		TargetTier: string(target),
		Reason:     reason,
		OccurredAt: e.now().UTC(),
	})
}

// Run drives the grace-period sweeper until ctx is cancelled. Proposals whose
// grace window lapsed without a decision are expired as promotion_never. The
// sweep is also the crash-recovery path: pending proposals survive restarts in
// the state table, so no in-memory timer state needs rebuilding.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.SweepExpiredProposals(ctx); err != nil {
				e.logger.Error("engine: proposal sweep failed", "error", err)
			}
		}
	}
}

// SweepExpiredProposals expires every proposal older than the grace period.
// Exposed for tests and for a one-shot sweep at startup.
func (e *Engine) SweepExpiredProposals(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.GracePeriod)
	states, err := e.store.ListExpiredProposals(ctx, cutoff, e.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("engine: list expired proposals: %w", err)
	}
	for _, s := range states {
		if err := e.expireProposal(ctx, s.SubjectID, s.ActionType, cutoff); err != nil {
			e.logger.Error("engine: expire proposal failed",
				"subject_id", s.SubjectID, "action_type", s.ActionType, "error", err)
		}
	}
	return nil
}

func (e *Engine) expireProposal(ctx context.Context, subjectID string, actionType model.ActionType, cutoff time.Time) error {
	unlock := e.lockPair(pairKey{subject: subjectID, action: actionType})
	defer unlock()

	return storage.WithRetry(ctx, e.cfg.ConflictRetry, conflictBackoff, func() error {
		state, err := e.store.GetState(ctx, subjectID, actionType)
		if err != nil {
			return err
		}
		// The proposal may have been resolved, demoted away, or re-proposed
		// since the sweep listed it.
		if !state.ProposalPending() || state.ProposedAt.After(cutoff) {
			return nil
		}

		sig := model.OutcomeSignal{
			SubjectID:  subjectID,
			ActionType: actionType,
			OccurredAt: e.now().UTC(),
		}
		tr, err := e.machine.ExpireProposal(state, sig)
		if err != nil {
			return err
		}
		_, err = e.commit(ctx, state, tr)
		return err
	})
}

// loadState reads a pair's state, synthesizing the implicit initial state when
// the pair has no history yet.
func (e *Engine) loadState(ctx context.Context, subjectID string, actionType model.ActionType) (model.AutonomyState, error) {
	state, err := e.store.GetState(ctx, subjectID, actionType)
	if errors.Is(err, storage.ErrNotFound) {
		return model.NewState(subjectID, actionType, e.now().UTC()), nil
	}
	if err != nil {
		return model.AutonomyState{}, err
	}
	return state, nil
}

// commit persists a transition and runs the post-commit side effects:
// metrics, listener notification, and the event hook.
func (e *Engine) commit(ctx context.Context, prev model.AutonomyState, tr tier.Transition) (tier.Transition, error) {
	events, err := e.store.ApplyTransitionTx(ctx, prev, tr.State, tr.Events)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.conflictCount.Add(ctx, 1)
		}
		return tier.Transition{}, err
	}
	tr.Events = events
	tr.State.LastSequence = prev.LastSequence + int64(len(events))
	tr.State.Version = prev.Version + 1

	for _, ev := range events {
		e.eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(ev.EventType))))
		if ev.ChangesTier() {
			e.logger.Info("engine: tier changed",
				"subject_id", ev.SubjectID, "action_type", ev.ActionType,
				"event_type", ev.EventType, "from", ev.FromTier, "to", ev.ToTier,
				"reason", ev.TriggerReason)
		}
		if err := e.store.Notify(ctx, storage.ChannelTierChanges,
			fmt.Sprintf(`{"subject_id":%q,"action_type":%q,"event_type":%q,"to_tier":%q}`,
				ev.SubjectID, ev.ActionType, ev.EventType, ev.ToTier)); err != nil {
			e.logger.Warn("engine: tier change notify failed", "error", err)
		}
		if e.cfg.Hook != nil {
			e.cfg.Hook(ctx, ev)
		}
		if ev.EventType == model.EventPromotionProposed && e.cfg.GracePeriod > 0 {
			e.scheduleExpiry(ev)
		}
	}
	return tr, nil
}

// scheduleExpiry arms a deferred timer that expires the proposal at the end
// of its grace window. The periodic sweep covers proposals whose timer died
// with the process; the re-check inside expireProposal makes double firing
// harmless.
func (e *Engine) scheduleExpiry(ev model.AutonomyEvent) {
	delay := ev.OccurredAt.Add(e.cfg.GracePeriod).Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.expireProposal(ctx, ev.SubjectID, ev.ActionType, ev.OccurredAt); err != nil {
			e.logger.Error("engine: scheduled proposal expiry failed",
				"subject_id", ev.SubjectID, "action_type", ev.ActionType, "error", err)
		}
	})
}

func (e *Engine) lockPair(k pairKey) func() {
	e.mu.Lock()
	l, ok := e.locks[k]
	if !ok {
		l = &sync.Mutex{}
		e.locks[k] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}
