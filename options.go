package mandate

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	actionTypes     []string
	policy          *Policy
	shards          int
	clock           func() time.Time
	eventHooks      []EventHook
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithActionTypes overrides the closed action type set from config
// (MANDATE_ACTION_TYPES env var). Signals for unlisted action types are
// rejected at ingestion.
func WithActionTypes(actionTypes ...string) Option {
	return func(o *resolvedOptions) { o.actionTypes = actionTypes }
}

// WithPolicy overrides every transition-policy constant at once. Partial
// overrides go through the individual MANDATE_* env vars instead.
func WithPolicy(p Policy) Option {
	return func(o *resolvedOptions) { o.policy = &p }
}

// WithShards overrides the stream consumer shard count (MANDATE_SHARDS env
// var). Must match across every process draining the same inbox.
func WithShards(n int) Option {
	return func(o *resolvedOptions) { o.shards = n }
}

// WithClock sets the time source for scoring, cooldowns, and grace windows.
// Tests use this to drive promotion timelines deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}

// WithEventHook registers a hook to receive committed audit events.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
