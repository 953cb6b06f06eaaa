// Package reconcile holds the incremental-diff engine: given a category's
// freshly fetched listing set, decide what is new, what disappeared, and what
// to persist and notify, while refusing to treat an empty fetch as mass
// deletion and staying silent on a category's very first population.
package reconcile

import (
	"context"
	"time"

	"ironscout/internal/fetch"
)

// Fetcher returns the current full listing set for a category. It may fail or
// return zero items; both are handled by the retry path.
type Fetcher interface {
	Fetch(ctx context.Context, cat fetch.Category) ([]fetch.Item, error)
}

// Notifier delivers messages. Both operations are fire-and-forget: delivery
// failures stay inside the notifier and never reach reconciliation.
type Notifier interface {
	NotifyNew(ctx context.Context, category string, items []fetch.Item)
	Alert(ctx context.Context, text string)
}

// Store is the slice of the Identity Store the reconciler needs.
type Store interface {
	ExistingIDs(ctx context.Context, category string) (map[string]struct{}, error)
	Upsert(ctx context.Context, id, category string, now time.Time) error
	DeleteMissing(ctx context.Context, category string, current map[string]struct{}) (int, error)
}

type Config struct {
	// RetryCeiling is the number of retries after the initial attempt when a
	// fetch yields zero items (total attempts = ceiling + 1).
	RetryCeiling int
	// RetryDelay is the fixed pause between empty-fetch attempts.
	RetryDelay time.Duration
	// CleanupEnabled false disables stale-row deletion unconditionally.
	CleanupEnabled bool
	// NotifyTodayOnly suppresses notifications for new items whose ListedAt
	// is a date other than today. Items without a date still notify.
	NotifyTodayOnly bool
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling < 0 {
		c.RetryCeiling = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	return c
}

// Params is one category's reconciliation input for one cycle.
type Params struct {
	Category fetch.Category
	// FirstRun is computed once per cycle, before any state mutation.
	FirstRun bool
	// SeenThisCycle dedupes notifications for an item matched by two
	// overlapping categories in the same cycle. Owned by the orchestrator;
	// nil disables cross-category dedup.
	SeenThisCycle map[string]struct{}
}

// Outcome summarizes what one reconciliation did.
type Outcome struct {
	Category string
	Attempts int

	Before   int
	Fetched  int
	New      int
	Deleted  int
	After    int
	Notified int

	// SkippedCleanup is set when every fetch attempt returned zero items:
	// state was left untouched and one failure alert was emitted.
	SkippedCleanup bool

	Duration time.Duration
}
