package reconcile

import (
	"context"
	"fmt"
	"time"

	"ironscout/internal/fetch"
	"ironscout/pkg/logx"
)

type Reconciler struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	cfg      Config
	log      logx.Logger

	// now is swappable for tests.
	now func() time.Time
}

func New(store Store, fetcher Fetcher, notifier Notifier, cfg Config, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
	}
}

// Run reconciles one category. A fetch that stays empty through every retry
// is not an error: it produces an alert and an Outcome with SkippedCleanup
// set, leaving the store byte-for-byte unchanged. Store errors propagate so
// the orchestrator can log them and move on to the next category.
func (r *Reconciler) Run(ctx context.Context, p Params) (Outcome, error) {
	start := r.now()
	out := Outcome{Category: p.Category.Title}
	log := r.log.With(logx.String("category", p.Category.Title))

	existing, err := r.store.ExistingIDs(ctx, p.Category.Title)
	if err != nil {
		return out, fmt.Errorf("existing ids for %q: %w", p.Category.Title, err)
	}
	out.Before = len(existing)

	items, attempts, err := r.fetchWithRetry(ctx, p.Category)
	out.Attempts = attempts
	if err != nil {
		return out, err
	}
	if len(items) == 0 {
		// Zero results through the whole retry budget. Indistinguishable
		// from a broken fetch, so assume failure and preserve state.
		r.notifier.Alert(ctx, fmt.Sprintf(
			"No results for %s after %d attempts; keeping existing %d item(s), cleanup skipped.",
			p.Category.Title, attempts, len(existing)))
		out.SkippedCleanup = true
		out.After = out.Before
		out.Duration = r.now().Sub(start)
		log.Warn("fetch empty after retries; cleanup skipped", logx.Int("attempts", attempts))
		return out, nil
	}
	out.Fetched = len(items)

	current := make(map[string]struct{}, len(items))
	var newItems []fetch.Item
	for _, it := range items {
		if it.ID == "" {
			// The fetcher already drops these; guard anyway.
			log.Debug("item without id skipped", logx.String("title", it.Title))
			continue
		}
		if _, dup := current[it.ID]; dup {
			continue
		}
		current[it.ID] = struct{}{}
		if _, seen := existing[it.ID]; !seen {
			newItems = append(newItems, it)
		}
	}
	out.New = len(newItems)

	// Persist before any notification: every current id is upserted so
	// last_seen stays fresh on survivors and new rows are created.
	now := r.now()
	for id := range current {
		if err := r.store.Upsert(ctx, id, p.Category.Title, now); err != nil {
			return out, fmt.Errorf("upsert %s/%s: %w", p.Category.Title, id, err)
		}
	}

	if r.cfg.CleanupEnabled {
		deleted, err := r.store.DeleteMissing(ctx, p.Category.Title, current)
		if err != nil {
			return out, fmt.Errorf("delete missing for %q: %w", p.Category.Title, err)
		}
		out.Deleted = deleted
	}
	// Not simply len(current): with cleanup disabled the stale rows remain.
	out.After = out.Before + out.New - out.Deleted

	notified := r.notifyNew(ctx, p, newItems)
	out.Notified = notified
	out.Duration = r.now().Sub(start)

	log.Info("category reconciled",
		logx.Int("fetched", out.Fetched),
		logx.Int("before", out.Before),
		logx.Int("new", out.New),
		logx.Int("deleted", out.Deleted),
		logx.Int("notified", out.Notified),
		logx.Duration("took", out.Duration))
	return out, nil
}

// fetchWithRetry treats fetcher errors and zero-item results the same way:
// wait the fixed delay and try again, up to the ceiling. Zero results are far
// more often rate limiting or render timing than genuine emptiness.
func (r *Reconciler) fetchWithRetry(ctx context.Context, cat fetch.Category) ([]fetch.Item, int, error) {
	maxAttempts := 1 + r.cfg.RetryCeiling
	log := r.log.With(logx.String("category", cat.Title))

	for attempt := 1; ; attempt++ {
		items, err := r.fetcher.Fetch(ctx, cat)
		if err != nil {
			if ctx.Err() != nil {
				return nil, attempt, ctx.Err()
			}
			log.Warn("fetch failed", logx.Int("attempt", attempt), logx.Err(err))
		} else if len(items) > 0 {
			if attempt > 1 {
				// Operators should know the upstream was flaky even though
				// the cycle ultimately succeeded.
				r.notifier.Alert(ctx, fmt.Sprintf(
					"Fetch for %s recovered after %d attempt(s): %d item(s).",
					cat.Title, attempt, len(items)))
				log.Info("fetch recovered after retry",
					logx.Int("attempt", attempt), logx.Int("items", len(items)))
			}
			return items, attempt, nil
		}

		if attempt >= maxAttempts {
			return nil, attempt, nil
		}

		t := time.NewTimer(r.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return nil, attempt, ctx.Err()
		case <-t.C:
		}
	}
}

// notifyNew applies the first-run, cross-category, and today-only policies
// and forwards whatever survives. Returns the notified count.
func (r *Reconciler) notifyNew(ctx context.Context, p Params, newItems []fetch.Item) int {
	// Everything new is marked seen for this cycle regardless of policy, so
	// an overlapping category later in the cycle won't re-notify it.
	var toNotify []fetch.Item
	for _, it := range newItems {
		if p.SeenThisCycle != nil {
			if _, dup := p.SeenThisCycle[it.ID]; dup {
				continue
			}
			p.SeenThisCycle[it.ID] = struct{}{}
		}
		toNotify = append(toNotify, it)
	}

	if p.FirstRun {
		if len(newItems) > 0 {
			r.log.Info("first run: items persisted without notification",
				logx.String("category", p.Category.Title), logx.Int("count", len(newItems)))
		}
		return 0
	}

	if r.cfg.NotifyTodayOnly {
		toNotify = filterListedToday(toNotify, r.now())
	}
	if len(toNotify) == 0 {
		return 0
	}
	r.notifier.NotifyNew(ctx, p.Category.Title, toNotify)
	return len(toNotify)
}

// filterListedToday keeps items listed today or carrying no date at all (no
// date means we cannot rule out that the listing is new).
func filterListedToday(items []fetch.Item, now time.Time) []fetch.Item {
	padded := now.Format("02 Jan 2006")
	plain := now.Format("2 Jan 2006")
	out := items[:0]
	for _, it := range items {
		if it.ListedAt == "" || it.ListedAt == padded || it.ListedAt == plain {
			out = append(out, it)
		}
	}
	return out
}
