// Package stream drains the durable signal inbox. Consumers are sharded by a
// hash of the subject ID, one goroutine per shard, so every signal for a given
// subject is processed sequentially in inbox order — the single-writer-per-pair
// guarantee holds by construction.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mandatehq/mandate/internal/ingest"
	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/storage"
	"github.com/mandatehq/mandate/internal/telemetry"
)

// Inbox is the queue surface the consumer needs. *storage.DB satisfies it.
type Inbox interface {
	ClaimShardBatch(ctx context.Context, shard, shards, limit int) ([]storage.InboxEntry, error)
	MarkProcessed(ctx context.Context, id int64, lastError string) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
}

// Applier applies one validated signal. *engine.Engine satisfies it.
type Applier interface {
	ApplySignal(ctx context.Context, raw ingest.RawSignal) (model.AutonomyState, []model.AutonomyEvent, error)
}

// Listener is the LISTEN/NOTIFY wakeup surface. Optional; without it the
// consumer falls back to pure polling.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Config holds the consumer's operational knobs.
type Config struct {
	// Shards is the number of consumer goroutines. Must match across every
	// process draining the same inbox.
	Shards int
	// PollInterval bounds how stale a shard can go without a wakeup.
	PollInterval time.Duration
	// BatchSize caps rows claimed per drain pass.
	BatchSize int
	// MaxAttempts parks a row (processed, with its error retained) after this
	// many failed applies.
	MaxAttempts int
}

// Consumer drains the signal inbox through the engine.
type Consumer struct {
	inbox    Inbox
	applier  Applier
	listener Listener
	cfg      Config
	logger   *slog.Logger

	// wake fans one notification out to every shard goroutine.
	wake []chan struct{}

	processedCount metric.Int64Counter
	rejectedCount  metric.Int64Counter
	parkedCount    metric.Int64Counter
}

// New creates a Consumer. listener may be nil for polling-only operation.
func New(inbox Inbox, applier Applier, listener Listener, cfg Config, logger *slog.Logger) *Consumer {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}

	wake := make([]chan struct{}, cfg.Shards)
	for i := range wake {
		wake[i] = make(chan struct{}, 1)
	}

	meter := telemetry.Meter("mandate/stream")
	processedCount, _ := meter.Int64Counter("mandate.stream.processed",
		metric.WithDescription("Inbox rows applied"))
	rejectedCount, _ := meter.Int64Counter("mandate.stream.rejected",
		metric.WithDescription("Inbox rows rejected as invalid"))
	parkedCount, _ := meter.Int64Counter("mandate.stream.parked",
		metric.WithDescription("Inbox rows parked after exhausting attempts"))

	return &Consumer{
		inbox:          inbox,
		applier:        applier,
		listener:       listener,
		cfg:            cfg,
		logger:         logger,
		wake:           wake,
		processedCount: processedCount,
		rejectedCount:  rejectedCount,
		parkedCount:    parkedCount,
	}
}

// Run starts one goroutine per shard plus the wakeup listener, and blocks
// until ctx is cancelled or a consumer fails unrecoverably.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.listener != nil {
		if err := c.listener.Listen(ctx, storage.ChannelSignals); err != nil {
			return fmt.Errorf("stream: listen: %w", err)
		}
		g.Go(func() error { return c.listenLoop(ctx) })
	}

	for shard := 0; shard < c.cfg.Shards; shard++ {
		shard := shard
		g.Go(func() error { return c.consumeLoop(ctx, shard) })
	}
	return g.Wait()
}

// listenLoop forwards inbox notifications to every shard's wake channel. The
// payload does not say which shard the row belongs to, so everyone gets poked;
// an empty claim is cheap.
func (c *Consumer) listenLoop(ctx context.Context) error {
	for {
		_, _, err := c.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: wait for notification: %w", err)
		}
		for _, w := range c.wake {
			select {
			case w <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, shard int) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.drainShard(ctx, shard); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("stream: drain failed", "shard", shard, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake[shard]:
		}
	}
}

// drainShard claims and applies batches until the shard is empty. A transient
// failure stops the pass: skipping a failed row and applying a later row for
// the same subject would break per-subject ordering.
func (c *Consumer) drainShard(ctx context.Context, shard int) error {
	for {
		entries, err := c.inbox.ClaimShardBatch(ctx, shard, c.cfg.Shards, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("stream: claim batch: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if stop := c.processEntry(ctx, e); stop {
				return nil
			}
		}
		if len(entries) < c.cfg.BatchSize {
			return nil
		}
	}
}

// processEntry applies one inbox row and records its outcome. Returns true
// when the shard pass should stop (transient failure on a retryable row).
func (c *Consumer) processEntry(ctx context.Context, e storage.InboxEntry) bool {
	_, _, err := c.applier.ApplySignal(ctx, ingest.RawSignal{
		SubjectID:  e.SubjectID,
		ActionType: e.ActionType,
		Kind:       e.Kind,
		Severity:   e.Severity,
		TargetTier: e.TargetTier,
		Reason:     e.Reason,
		OccurredAt: e.OccurredAt,
	})

	switch {
	case err == nil:
		if markErr := c.inbox.MarkProcessed(ctx, e.ID, ""); markErr != nil {
			c.logger.Error("stream: mark processed failed", "id", e.ID, "error", markErr)
			return true
		}
		c.processedCount.Add(ctx, 1)
		return false

	case errors.Is(err, ingest.ErrInvalidSignal):
		// Terminal: retrying will never make the row valid. Keep it in the
		// table with its rejection reason.
		if markErr := c.inbox.MarkProcessed(ctx, e.ID, err.Error()); markErr != nil {
			c.logger.Error("stream: mark rejected failed", "id", e.ID, "error", markErr)
			return true
		}
		c.rejectedCount.Add(ctx, 1)
		c.logger.Warn("stream: signal rejected",
			"id", e.ID, "subject_id", e.SubjectID, "action_type", e.ActionType, "error", err)
		return false

	case e.Attempts+1 >= c.cfg.MaxAttempts:
		if markErr := c.inbox.MarkProcessed(ctx, e.ID,
			fmt.Sprintf("parked after %d attempts: %v", e.Attempts+1, err)); markErr != nil {
			c.logger.Error("stream: park failed", "id", e.ID, "error", markErr)
			return true
		}
		c.parkedCount.Add(ctx, 1)
		c.logger.Error("stream: signal parked",
			"id", e.ID, "subject_id", e.SubjectID, "attempts", e.Attempts+1, "error", err)
		return false

	default:
		if markErr := c.inbox.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			c.logger.Error("stream: mark failed failed", "id", e.ID, "error", markErr)
		}
		c.logger.Warn("stream: signal apply failed, will retry",
			"id", e.ID, "subject_id", e.SubjectID, "attempts", e.Attempts+1, "error", err)
		return true
	}
}
