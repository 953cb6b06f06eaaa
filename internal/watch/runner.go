// Package watch is the cycle orchestrator: it sweeps every configured
// category once per cycle, delegates each to the reconciler, and owns the
// cadence (cycle trigger, politeness delay, first-run completion, reports).
package watch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"ironscout/internal/config"
	"ironscout/internal/fetch"
	"ironscout/internal/reconcile"
	"ironscout/pkg/logx"
)

// Store is the orchestrator's view of the Identity Store: everything the
// reconciler needs plus the cycle-scoped operations.
type Store interface {
	reconcile.Store
	FirstRunComplete(ctx context.Context) (bool, error)
	MarkFirstRunComplete(ctx context.Context) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
	CountByCategory(ctx context.Context, category string) (int, error)
	SizeBytes() int64
}

// Notifier adds the connectivity probe to the reconciler's port.
type Notifier interface {
	reconcile.Notifier
	Probe(ctx context.Context) error
}

// Options is the materialized watch configuration for the runner.
type Options struct {
	Schedule      Schedule
	CategoryDelay time.Duration
	ExpireAfter   time.Duration
	ReportEvery   int
	Reconcile     reconcile.Config
	Categories    []fetch.Category
}

// OptionsFromConfig parses and materializes the raw config. It is also the
// validator half the config manager can't do itself (schedule syntax).
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	sched, err := ParseSchedule(cfg.Watch.CycleSchedule)
	if err != nil {
		return Options{}, err
	}
	catDelay, err := config.ParseDurationOrDefault("watch.category_delay", cfg.Watch.CategoryDelay, 5*time.Second)
	if err != nil {
		return Options{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("watch.retry_delay", cfg.Watch.RetryDelay, 30*time.Second)
	if err != nil {
		return Options{}, err
	}
	expire, err := config.ParseDurationField("watch.expire_after", cfg.Watch.ExpireAfter)
	if err != nil {
		return Options{}, err
	}

	// Omitted knobs take defaults; an explicit 0 disables (no retries, no
	// reports), hence the pointers.
	ceiling := 10
	if cfg.Watch.RetryCeiling != nil {
		ceiling = *cfg.Watch.RetryCeiling
	}
	cleanup := true
	if cfg.Watch.CleanupEnabled != nil {
		cleanup = *cfg.Watch.CleanupEnabled
	}
	reportEvery := 10
	if cfg.Watch.ReportEvery != nil {
		reportEvery = *cfg.Watch.ReportEvery
	}

	cats := make([]fetch.Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		bcat := c.Bcat
		if bcat == "" {
			bcat = c.SearchKind
		}
		cats = append(cats, fetch.Category{
			Title:      c.Title,
			SearchKind: c.SearchKind,
			Bcat:       bcat,
			MaxPrice:   c.MaxPrice,
		})
	}

	return Options{
		Schedule:      sched,
		CategoryDelay: catDelay,
		ExpireAfter:   expire,
		ReportEvery:   reportEvery,
		Reconcile: reconcile.Config{
			RetryCeiling:    ceiling,
			RetryDelay:      retryDelay,
			CleanupEnabled:  cleanup,
			NotifyTodayOnly: cfg.Watch.NotifyTodayOnly,
		},
		Categories: cats,
	}, nil
}

// Runner drives the loop. One category at a time, one cycle after another,
// until the context is cancelled. There is no internal stop condition; the
// supervising process manager terminates the host.
type Runner struct {
	store    Store
	fetcher  reconcile.Fetcher
	notifier Notifier

	log    logx.Logger
	timing logx.Logger

	mu   sync.Mutex
	opts Options

	// cycle is initialized once at startup, incremented at each cycle start,
	// and never reset.
	cycle uint64

	now func() time.Time
}

func New(store Store, fetcher reconcile.Fetcher, notifier Notifier, opts Options, log, timing logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timing.IsZero() {
		timing = logx.Nop()
	}
	return &Runner{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		opts:     opts,
		log:      log,
		timing:   timing,
		now:      time.Now,
	}
}

// Apply swaps in new options. Takes effect at the next cycle boundary.
func (r *Runner) Apply(opts Options) {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	r.log.Info("watch options applied",
		logx.Int("categories", len(opts.Categories)),
		logx.String("schedule", opts.Schedule.Source))
}

func (r *Runner) options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Run loops until ctx is cancelled. Every failure mode inside a cycle is
// contained; only cancellation ends the loop.
func (r *Runner) Run(ctx context.Context) error {
	for {
		r.runCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		opts := r.options()
		wait := opts.Schedule.next(r.now())
		r.log.Info("cycle sleep", logx.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Runner) runCycle(ctx context.Context) {
	opts := r.options()
	r.cycle++
	cycle := r.cycle
	start := r.now()

	log := r.log.With(logx.Uint64("cycle", cycle))
	timing := r.timing.With(logx.Uint64("cycle", cycle))
	log.Info("cycle started", logx.Int("categories", len(opts.Categories)))
	timing.Info("cycle started")

	if err := r.notifier.Probe(ctx); err != nil && ctx.Err() == nil {
		log.Warn("telegram connectivity check failed; continuing", logx.Err(err))
	}

	// Computed once, before any state mutation, so every category in this
	// cycle agrees on whether notifications are suppressed.
	firstRun := false
	if complete, err := r.store.FirstRunComplete(ctx); err != nil {
		log.Error("first-run check failed", logx.Err(err))
	} else {
		firstRun = !complete
	}
	if firstRun {
		log.Info("first run detected: persisting without notifications")
	}

	rec := reconcile.New(r.store, r.fetcher, r.notifier, opts.Reconcile, r.log)
	seen := make(map[string]struct{})

	for i, cat := range opts.Categories {
		if ctx.Err() != nil {
			return
		}
		r.runCategory(ctx, rec, reconcile.Params{
			Category:      cat,
			FirstRun:      firstRun,
			SeenThisCycle: seen,
		}, timing)

		// Politeness pause toward the upstream, skipped after the last.
		if i < len(opts.Categories)-1 && opts.CategoryDelay > 0 {
			t := time.NewTimer(opts.CategoryDelay)
			select {
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
				return
			case <-t.C:
			}
		}
	}

	// Completion is flipped only after the whole cycle so a crash mid-cycle
	// safely retries first-run behavior.
	if firstRun && ctx.Err() == nil {
		if err := r.store.MarkFirstRunComplete(ctx); err != nil {
			log.Error("marking first run complete failed", logx.Err(err))
		} else {
			log.Info("first run complete")
		}
	}

	if opts.ExpireAfter > 0 && ctx.Err() == nil {
		cutoff := r.now().Add(-opts.ExpireAfter)
		if n, err := r.store.DeleteOlderThan(ctx, cutoff); err != nil {
			log.Error("expiry prune failed", logx.Err(err))
		} else if n > 0 {
			log.Info("expired stale rows", logx.Int("deleted", n), logx.Time("cutoff", cutoff))
		}
	}

	dur := r.now().Sub(start)
	log.Info("cycle completed", logx.Duration("took", dur))
	timing.Info("cycle completed", logx.Duration("took", dur))

	if opts.ReportEvery > 0 && cycle%uint64(opts.ReportEvery) == 0 && ctx.Err() == nil {
		r.sendStorageReport(ctx, cycle, opts.Categories)
	}
}

// runCategory isolates one category: a panic or error here is logged and the
// sweep moves on to the next category in the same cycle.
func (r *Runner) runCategory(ctx context.Context, rec *reconcile.Reconciler, p reconcile.Params, timing logx.Logger) {
	defer func() {
		if rv := recover(); rv != nil {
			r.log.Error("panic during category reconciliation",
				logx.String("category", p.Category.Title),
				logx.Any("panic", rv),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	out, err := rec.Run(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Error("category reconciliation failed",
			logx.String("category", p.Category.Title), logx.Err(err))
		return
	}
	timing.Info("category done",
		logx.String("category", out.Category),
		logx.Duration("took", out.Duration),
		logx.Int("fetched", out.Fetched),
		logx.Int("new", out.New),
		logx.Int("deleted", out.Deleted),
		logx.Int("notified", out.Notified),
		logx.Bool("cleanup_skipped", out.SkippedCleanup))
}

func (r *Runner) sendStorageReport(ctx context.Context, cycle uint64, cats []fetch.Category) {
	total, err := r.store.Count(ctx)
	if err != nil {
		r.log.Error("storage report count failed", logx.Err(err))
		return
	}
	size := float64(r.store.SizeBytes()) / (1024 * 1024)

	var b strings.Builder
	fmt.Fprintf(&b, "Storage report (cycle #%d)\nItems tracked: %d\nDatabase: %.2f MB", cycle, total, size)
	for _, cat := range cats {
		n, err := r.store.CountByCategory(ctx, cat.Title)
		if err != nil {
			r.log.Error("storage report category count failed",
				logx.String("category", cat.Title), logx.Err(err))
			continue
		}
		fmt.Fprintf(&b, "\n%s: %d", cat.Title, n)
	}

	r.notifier.Alert(ctx, b.String())
	r.log.Info("storage report sent", logx.Int("items", total))
}
