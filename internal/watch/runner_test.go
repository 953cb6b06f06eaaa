package watch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ironscout/internal/config"
	"ironscout/internal/fetch"
	"ironscout/internal/reconcile"
	"ironscout/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]string // id -> category

	firstRunDone bool
	expired      int
	markCalls    int
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]string)} }

func (s *memStore) ExistingIDs(ctx context.Context, category string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	for id, cat := range s.rows {
		if cat == category {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *memStore) Upsert(ctx context.Context, id, category string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id] = category
	return nil
}

func (s *memStore) DeleteMissing(ctx context.Context, category string, current map[string]struct{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, cat := range s.rows {
		if cat != category {
			continue
		}
		if _, ok := current[id]; !ok {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) FirstRunComplete(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstRunDone, nil
}

func (s *memStore) MarkFirstRunComplete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstRunDone = true
	s.markCalls++
	return nil
}

func (s *memStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired++
	return 0, nil
}

func (s *memStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memStore) CountByCategory(ctx context.Context, category string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cat := range s.rows {
		if cat == category {
			n++
		}
	}
	return n, nil
}

func (s *memStore) SizeBytes() int64 { return 4096 }

// catFetcher serves a fixed result set per category title; a nil entry panics
// to exercise isolation.
type catFetcher struct {
	byCat map[string][]fetch.Item
}

func (f *catFetcher) Fetch(ctx context.Context, cat fetch.Category) ([]fetch.Item, error) {
	items, ok := f.byCat[cat.Title]
	if !ok {
		panic("no fixture for " + cat.Title)
	}
	return items, nil
}

type recNotifier struct {
	mu       sync.Mutex
	notified []string
	alerts   []string
	probes   int
}

func (n *recNotifier) NotifyNew(ctx context.Context, category string, items []fetch.Item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, it := range items {
		n.notified = append(n.notified, category+"/"+it.ID)
	}
}

func (n *recNotifier) Alert(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
}

func (n *recNotifier) Probe(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.probes++
	return nil
}

func testOptions(categories ...string) Options {
	cats := make([]fetch.Category, 0, len(categories))
	for _, c := range categories {
		cats = append(cats, fetch.Category{Title: c, SearchKind: c, Bcat: c})
	}
	return Options{
		Schedule:    Schedule{Every: time.Hour, Source: "duration"},
		ReportEvery: 0,
		Reconcile: reconcile.Config{
			RetryCeiling:   0,
			RetryDelay:     time.Millisecond,
			CleanupEnabled: true,
		},
		Categories: cats,
	}
}

func TestFirstCycleSuppressesAndMarksComplete(t *testing.T) {
	store := newMemStore()
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{
		"excavators": {{ID: "1"}, {ID: "2"}},
	}}
	notifier := &recNotifier{}
	r := New(store, fetcher, notifier, testOptions("excavators"), logx.Nop(), logx.Nop())

	r.runCycle(context.Background())

	if len(notifier.notified) != 0 {
		t.Fatalf("first cycle notified %v, want none", notifier.notified)
	}
	if !store.firstRunDone || store.markCalls != 1 {
		t.Fatalf("first run not marked complete (calls=%d)", store.markCalls)
	}
	if n, _ := store.Count(context.Background()); n != 2 {
		t.Fatalf("persisted %d rows, want 2", n)
	}

	// Second cycle with one addition notifies exactly the new item.
	fetcher.byCat["excavators"] = []fetch.Item{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	r.runCycle(context.Background())
	if len(notifier.notified) != 1 || notifier.notified[0] != "excavators/3" {
		t.Fatalf("second cycle notified %v, want [excavators/3]", notifier.notified)
	}
	if store.markCalls != 1 {
		t.Fatalf("first-run flag re-marked (calls=%d)", store.markCalls)
	}
}

func TestCrossCategoryDedup(t *testing.T) {
	store := newMemStore()
	store.firstRunDone = true
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{
		"combines":   {{ID: "X"}},
		"harvesters": {{ID: "X"}},
	}}
	notifier := &recNotifier{}
	r := New(store, fetcher, notifier, testOptions("combines", "harvesters"), logx.Nop(), logx.Nop())

	r.runCycle(context.Background())

	if len(notifier.notified) != 1 || notifier.notified[0] != "combines/X" {
		t.Fatalf("notified %v, want X announced once for the first category", notifier.notified)
	}
}

func TestPanicInOneCategoryDoesNotStopCycle(t *testing.T) {
	store := newMemStore()
	store.firstRunDone = true
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{
		// "broken" has no fixture and panics.
		"working": {{ID: "W"}},
	}}
	notifier := &recNotifier{}
	r := New(store, fetcher, notifier, testOptions("broken", "working"), logx.Nop(), logx.Nop())

	r.runCycle(context.Background())

	if len(notifier.notified) != 1 || notifier.notified[0] != "working/W" {
		t.Fatalf("notified %v, want the working category to finish", notifier.notified)
	}
}

func TestStorageReportEveryN(t *testing.T) {
	store := newMemStore()
	store.firstRunDone = true
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{"a": {{ID: "1"}}}}
	notifier := &recNotifier{}
	opts := testOptions("a")
	opts.ReportEvery = 2
	r := New(store, fetcher, notifier, opts, logx.Nop(), logx.Nop())

	r.runCycle(context.Background())
	if len(notifier.alerts) != 0 {
		t.Fatalf("report sent on cycle 1: %v", notifier.alerts)
	}
	r.runCycle(context.Background())
	if len(notifier.alerts) != 1 || !strings.Contains(notifier.alerts[0], "Storage report") {
		t.Fatalf("alerts = %v, want one storage report on cycle 2", notifier.alerts)
	}
	if !strings.Contains(notifier.alerts[0], "#2") {
		t.Fatalf("report %q does not carry the cycle number", notifier.alerts[0])
	}
	if !strings.Contains(notifier.alerts[0], "a: 1") {
		t.Fatalf("report %q missing the per-category breakdown", notifier.alerts[0])
	}
}

func TestStorageReportDisabled(t *testing.T) {
	store := newMemStore()
	store.firstRunDone = true
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{"a": {{ID: "1"}}}}
	notifier := &recNotifier{}
	opts := testOptions("a")
	opts.ReportEvery = 0
	r := New(store, fetcher, notifier, opts, logx.Nop(), logx.Nop())

	for i := 0; i < 3; i++ {
		r.runCycle(context.Background())
	}
	if len(notifier.alerts) != 0 {
		t.Fatalf("alerts = %v, want none with reporting disabled", notifier.alerts)
	}
}

func TestExpireAfterPrunes(t *testing.T) {
	store := newMemStore()
	store.firstRunDone = true
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{"a": {{ID: "1"}}}}
	opts := testOptions("a")
	opts.ExpireAfter = 60 * 24 * time.Hour
	r := New(store, fetcher, &recNotifier{}, opts, logx.Nop(), logx.Nop())

	r.runCycle(context.Background())
	if store.expired != 1 {
		t.Fatalf("DeleteOlderThan called %d times, want 1", store.expired)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	fetcher := &catFetcher{byCat: map[string][]fetch.Item{"a": {{ID: "1"}}}}
	r := New(store, fetcher, &recNotifier{}, testOptions("a"), logx.Nop(), logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Let the first cycle finish, then cancel during the sleep.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Watch: config.WatchConfig{CycleSchedule: "45m"},
		Categories: []config.CategoryConfig{
			{Title: "Excavators", SearchKind: "excavators"},
			{Title: "Dozers", SearchKind: "dozers", Bcat: "crawler-dozers", MaxPrice: 100000},
		},
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Reconcile.RetryCeiling != 10 {
		t.Fatalf("retry ceiling default = %d, want 10", opts.Reconcile.RetryCeiling)
	}
	if !opts.Reconcile.CleanupEnabled {
		t.Fatal("cleanup should default to enabled")
	}
	if opts.Reconcile.RetryDelay != 30*time.Second {
		t.Fatalf("retry delay default = %v, want 30s", opts.Reconcile.RetryDelay)
	}
	if opts.CategoryDelay != 5*time.Second {
		t.Fatalf("category delay default = %v, want 5s", opts.CategoryDelay)
	}
	if opts.ReportEvery != 10 {
		t.Fatalf("report every default = %d, want 10", opts.ReportEvery)
	}
	if opts.Categories[0].Bcat != "excavators" {
		t.Fatalf("bcat fallback = %q, want search_kind", opts.Categories[0].Bcat)
	}
	if opts.Categories[1].Bcat != "crawler-dozers" || opts.Categories[1].MaxPrice != 100000 {
		t.Fatalf("explicit category = %+v", opts.Categories[1])
	}

	// Explicit zeros disable rather than falling back to the defaults.
	zero := 0
	cfg.Watch.RetryCeiling = &zero
	cfg.Watch.ReportEvery = &zero
	opts, err = OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Reconcile.RetryCeiling != 0 {
		t.Fatalf("explicit retry_ceiling: 0 coerced to %d", opts.Reconcile.RetryCeiling)
	}
	if opts.ReportEvery != 0 {
		t.Fatalf("explicit report_every: 0 coerced to %d", opts.ReportEvery)
	}

	disabled := false
	cfg.Watch.CleanupEnabled = &disabled
	opts, err = OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Reconcile.CleanupEnabled {
		t.Fatal("explicit cleanup_enabled: false ignored")
	}

	cfg.Watch.CycleSchedule = "not a schedule"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Fatal("invalid schedule accepted")
	}
}
