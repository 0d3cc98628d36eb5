// Package mandate is the public API for embedding the autonomy tier engine.
//
// Host applications import this package to run the engine in-process:
//
//	app, err := mandate.New(
//	    mandate.WithVersion(version),
//	    mandate.WithLogger(logger),
//	    mandate.WithEventHook(myAuditForwarder{}),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//
//	tier, err := app.Authorize(ctx, "ada", "send_email")
//
// The import graph enforces a strict no-cycle rule: mandate (root) imports
// internal/*, but internal/* never imports mandate (root). Public types
// (Cell, Event, etc.) are standalone structs with no internal imports; the
// conversion helpers live in types.go because the root is the only package
// that sees both sides of the boundary.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/mandatehq/mandate/internal/config"
	"github.com/mandatehq/mandate/internal/ingest"
	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/service/engine"
	"github.com/mandatehq/mandate/internal/service/query"
	"github.com/mandatehq/mandate/internal/storage"
	"github.com/mandatehq/mandate/internal/stream"
	"github.com/mandatehq/mandate/internal/telemetry"
	"github.com/mandatehq/mandate/internal/tier"
	"github.com/mandatehq/mandate/migrations"
)

// App is the engine lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	engine       *engine.Engine
	query        *query.Service
	consumer     *stream.Consumer
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It connects to the database, runs migrations,
// and wires all subsystems. It does NOT start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if len(o.actionTypes) > 0 {
		cfg.ActionTypes = cfg.ActionTypes[:0]
		for _, at := range o.actionTypes {
			cfg.ActionTypes = append(cfg.ActionTypes, model.ActionType(at))
		}
	}
	if o.shards > 0 {
		cfg.Shards = o.shards
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mandate starting", "version", version, "shards", cfg.Shards)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'autonomy_states')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'autonomy_states' does not exist after migration")
	}

	policy := cfg.Policy()
	if o.policy != nil {
		policy = o.policy.internal()
	}

	machine := tier.New(policy, cfg.Scoring())
	ingestor := ingest.New(cfg.ActionTypes, cfg.ClockSkewTolerance, o.clock)

	var hook engine.EventHook
	if len(o.eventHooks) > 0 {
		hooks := o.eventHooks
		hook = func(ctx context.Context, ev model.AutonomyEvent) {
			pub := toPublicEvent(ev)
			for _, h := range hooks {
				if err := h.OnTierEvent(ctx, pub); err != nil {
					logger.Warn("event hook failed", "event_type", pub.Type, "error", err)
				}
			}
		}
	}

	eng := engine.New(db, machine, ingestor, engine.Config{
		ConflictRetry: cfg.ConflictRetry,
		GracePeriod:   policy.GracePeriod,
		SweepInterval: cfg.SweepInterval,
		SweepBatch:    cfg.BatchSize,
		Hook:          hook,
		Now:           o.clock,
	}, logger)

	querySvc := query.New(db, cfg.ActionTypes, policy.GracePeriod, logger, o.clock)

	var listener stream.Listener
	if db.HasNotifyConn() {
		listener = db
	} else {
		logger.Info("stream wakeups disabled (no notify connection), polling only")
	}
	consumer := stream.New(db, eng, listener, stream.Config{
		Shards:       cfg.Shards,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
	}, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		engine:       eng,
		query:        querySvc,
		consumer:     consumer,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the stream consumers and the grace-period sweeper, then blocks
// until ctx is cancelled or a subsystem fails. On return, Shutdown has been
// called — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.consumer.Run(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("mandate stopping after failure", "error", err)
		_ = a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown flushes telemetry and closes the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mandate shutting down")
	_ = a.otelShutdown(ctx)
	a.db.Close(ctx)
	a.logger.Info("mandate stopped")
	return nil
}

// SubmitOutcomeSignal enqueues one outcome observation for asynchronous
// processing and returns its inbox ID. Signals for the same subject are
// applied sequentially in submission order; resubmitting an already-applied
// signal is a no-op.
func (a *App) SubmitOutcomeSignal(ctx context.Context, sig Signal) (int64, error) {
	return a.db.EnqueueSignal(ctx, storage.InboxEntry{
		SubjectID:  sig.SubjectID,
		ActionType: sig.ActionType,
		Kind:       sig.Kind,
		Severity:   sig.Severity,
		Reason:     sig.Reason,
		OccurredAt: sig.OccurredAt,
	})
}

// SubmitPromotionDecision records a human decision on a pending promotion
// proposal. Accepting advances the pair exactly one tier.
func (a *App) SubmitPromotionDecision(ctx context.Context, subjectID, actionType string, accepted bool, reason string) ([]Event, error) {
	_, events, err := a.engine.SubmitPromotionDecision(ctx, subjectID, model.ActionType(actionType), accepted, reason)
	if err != nil {
		return nil, err
	}
	return toPublicEvents(events), nil
}

// SubmitManualOverride moves a pair directly to the target tier, bypassing
// thresholds and cooldowns. The override is applied synchronously and audited
// like every other transition.
func (a *App) SubmitManualOverride(ctx context.Context, subjectID, actionType string, target Tier, reason string) ([]Event, error) {
	_, events, err := a.engine.SubmitManualOverride(ctx, subjectID, model.ActionType(actionType), model.Tier(target), reason)
	if err != nil {
		return nil, err
	}
	return toPublicEvents(events), nil
}

// Authorize answers "what may this agent do right now" for one pair. The
// answer fails closed: unknown pairs and storage failures both report
// Disabled, the latter alongside the error.
func (a *App) Authorize(ctx context.Context, subjectID, actionType string) (Tier, error) {
	t, err := a.query.Authorize(ctx, subjectID, model.ActionType(actionType))
	return Tier(t), err
}

// GetCell returns one pair's detail view, including its most recent audit
// events. Pairs with no history return the implicit default cell (Disabled).
func (a *App) GetCell(ctx context.Context, subjectID, actionType string) (Cell, error) {
	cell, err := a.query.GetCell(ctx, subjectID, model.ActionType(actionType))
	if err != nil {
		return Cell{}, err
	}
	return toPublicCell(cell), nil
}

// GetMatrix composes the team autonomy matrix: one row per member, one cell
// per configured action type.
func (a *App) GetMatrix(ctx context.Context, teamID string) (Matrix, error) {
	m, err := a.query.GetMatrix(ctx, teamID)
	if err != nil {
		return Matrix{}, err
	}
	return toPublicMatrix(m), nil
}

// GetHistory returns a pair's audit trail, newest first, capped at limit
// (default 50).
func (a *App) GetHistory(ctx context.Context, subjectID, actionType string, limit int) ([]Event, error) {
	events, err := a.query.GetHistory(ctx, subjectID, model.ActionType(actionType), limit)
	if err != nil {
		return nil, err
	}
	return toPublicEvents(events), nil
}

// AddTeamMember registers (or renames) a subject in a team roster.
func (a *App) AddTeamMember(ctx context.Context, m TeamMember) error {
	return a.db.UpsertTeamMember(ctx, storage.TeamMember{
		SubjectID:   m.SubjectID,
		TeamID:      m.TeamID,
		DisplayName: m.DisplayName,
	})
}

// SweepNow runs one grace-period sweep immediately, expiring proposals whose
// window lapsed. Run does this periodically; SweepNow exists for operational
// tooling.
func (a *App) SweepNow(ctx context.Context) error {
	return a.engine.SweepExpiredProposals(ctx)
}

// Ping checks database connectivity.
func (a *App) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}
