package mandate

import "context"

// EventHook receives every audit event after it has been committed. Hooks run
// synchronously on the apply path; keep them fast and never block on user
// interaction.
type EventHook interface {
	// OnTierEvent is called once per committed event, in sequence order for
	// any given pair. Errors are logged, not propagated — a failing hook must
	// not stall the signal stream.
	OnTierEvent(ctx context.Context, event Event) error
}
