package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandatehq/mandate/internal/ingest"
	"github.com/mandatehq/mandate/internal/model"
	"github.com/mandatehq/mandate/internal/storage"
)

type fakeInbox struct {
	mu      sync.Mutex
	entries []storage.InboxEntry
	done    map[int64]string // id -> last_error at processing time
}

func newFakeInbox(entries ...storage.InboxEntry) *fakeInbox {
	return &fakeInbox{entries: entries, done: make(map[int64]string)}
}

func (f *fakeInbox) ClaimShardBatch(_ context.Context, shard, shards, limit int) ([]storage.InboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.InboxEntry
	for _, e := range f.entries {
		if _, ok := f.done[e.ID]; ok {
			continue
		}
		if int(e.ID)%shards != shard {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeInbox) MarkProcessed(_ context.Context, id int64, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = lastError
	return nil
}

func (f *fakeInbox) MarkFailed(_ context.Context, id int64, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].Attempts++
			f.entries[i].LastError = lastError
		}
	}
	return nil
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []string // subject ids in apply order
	errFor  map[string]error
}

func (f *fakeApplier) ApplySignal(_ context.Context, raw ingest.RawSignal) (model.AutonomyState, []model.AutonomyEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errFor[raw.SubjectID]; ok && err != nil {
		return model.AutonomyState{}, nil, err
	}
	f.applied = append(f.applied, raw.SubjectID)
	return model.AutonomyState{SubjectID: raw.SubjectID}, nil, nil
}

func entry(id int64, subject string) storage.InboxEntry {
	return storage.InboxEntry{
		ID:         id,
		SubjectID:  subject,
		ActionType: "send_email",
		Kind:       string(model.SignalAccepted),
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Second),
	}
}

func testConsumer(inbox Inbox, applier Applier, shards int) *Consumer {
	return New(inbox, applier, nil, Config{
		Shards:       shards,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  3,
	}, slog.Default())
}

func TestDrainAppliesInOrder(t *testing.T) {
	inbox := newFakeInbox(entry(1, "ada"), entry(2, "ada"), entry(3, "ada"))
	applier := &fakeApplier{}
	c := testConsumer(inbox, applier, 1)

	require.NoError(t, c.drainShard(context.Background(), 0))
	assert.Equal(t, []string{"ada", "ada", "ada"}, applier.applied)
	assert.Len(t, inbox.done, 3)
	for _, lastErr := range inbox.done {
		assert.Empty(t, lastErr)
	}
}

func TestDrainRejectsInvalidTerminally(t *testing.T) {
	inbox := newFakeInbox(entry(1, "ada"), entry(2, "bad"), entry(3, "ada"))
	applier := &fakeApplier{errFor: map[string]error{
		"bad": fmt.Errorf("%w: unknown action type", ingest.ErrInvalidSignal),
	}}
	c := testConsumer(inbox, applier, 1)

	require.NoError(t, c.drainShard(context.Background(), 0))
	// Rejection is terminal: the row is marked processed with its reason and
	// the pass continues.
	assert.Equal(t, []string{"ada", "ada"}, applier.applied)
	assert.Contains(t, inbox.done[2], "unknown action type")
}

func TestDrainStopsOnTransientFailure(t *testing.T) {
	inbox := newFakeInbox(entry(1, "ada"), entry(2, "ada"))
	applier := &fakeApplier{errFor: map[string]error{"ada": storage.ErrUnavailable}}
	c := testConsumer(inbox, applier, 1)

	require.NoError(t, c.drainShard(context.Background(), 0))
	// Nothing applied, nothing parked yet; the row waits for the next pass so
	// per-subject ordering is preserved.
	assert.Empty(t, applier.applied)
	assert.Empty(t, inbox.done)
	assert.Equal(t, 1, inbox.entries[0].Attempts)
	assert.Equal(t, 0, inbox.entries[1].Attempts)
}

func TestDrainParksAfterMaxAttempts(t *testing.T) {
	inbox := newFakeInbox(entry(1, "ada"))
	applier := &fakeApplier{errFor: map[string]error{"ada": errors.New("boom")}}
	c := testConsumer(inbox, applier, 1)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.drainShard(ctx, 0))
	}
	require.Len(t, inbox.done, 1)
	assert.Contains(t, inbox.done[1], "parked after 3 attempts")
}

func TestShardsPartitionRows(t *testing.T) {
	inbox := newFakeInbox(entry(1, "odd"), entry(2, "even"), entry(3, "odd"), entry(4, "even"))
	applier := &fakeApplier{}
	c := testConsumer(inbox, applier, 2)

	ctx := context.Background()
	require.NoError(t, c.drainShard(ctx, 0))
	assert.Equal(t, []string{"even", "even"}, applier.applied)

	require.NoError(t, c.drainShard(ctx, 1))
	assert.Equal(t, []string{"even", "even", "odd", "odd"}, applier.applied)
}

func TestRunStopsOnCancel(t *testing.T) {
	inbox := newFakeInbox(entry(1, "ada"))
	applier := &fakeApplier{}
	c := testConsumer(inbox, applier, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		inbox.mu.Lock()
		defer inbox.mu.Unlock()
		return len(inbox.done) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}
