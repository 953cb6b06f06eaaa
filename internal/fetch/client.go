package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ironscout/pkg/logx"
)

// Client fetches the full current listing set for a category from the
// search API: one request to learn the total, then the remaining pages in
// bounded parallel batches behind a shared rate limiter.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	session sessionCache
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.PageTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

// Fetch returns the category's complete current listing set. A stale session
// (403) is re-bootstrapped once before giving up.
func (c *Client) Fetch(ctx context.Context, cat Category) ([]Item, error) {
	if strings.TrimSpace(cat.SearchKind) == "" {
		return nil, fmt.Errorf("category %q: search_kind is empty", cat.Title)
	}

	items, err := c.fetchAll(ctx, cat)
	if err == nil || !errors.Is(err, errStaleSession) {
		return items, err
	}
	c.log.Warn("session rejected; re-bootstrapping", logx.String("category", cat.Title))
	return c.fetchAll(ctx, cat)
}

var errStaleSession = errors.New("stale session")

func (c *Client) fetchAll(ctx context.Context, cat Category) ([]Item, error) {
	sess, err := c.session.get(ctx, c, cat.SearchKind)
	if err != nil {
		return nil, err
	}

	first, err := c.fetchPage(ctx, sess, cat, 0)
	if err != nil {
		if errors.Is(err, errStaleSession) {
			c.session.invalidate(sess)
		}
		return nil, err
	}

	items, dropped := itemsFromPage(first, c.cfg.BaseURL)
	total := first.Matches
	c.log.Debug("first page fetched",
		logx.String("category", cat.Title),
		logx.Int("matches", total))

	// Remaining offsets, fetched in parallel batches of cfg.Parallelism.
	var offsets []int
	for off := pageSize; off < total; off += pageSize {
		offsets = append(offsets, off)
	}

	var (
		mu       sync.Mutex
		failed   int
		staleHit bool
	)
	for start := 0; start < len(offsets); start += c.cfg.Parallelism {
		end := start + c.cfg.Parallelism
		if end > len(offsets) {
			end = len(offsets)
		}

		var wg sync.WaitGroup
		for _, off := range offsets[start:end] {
			wg.Add(1)
			go func(off int) {
				defer wg.Done()
				page, err := c.fetchPageRetry(ctx, sess, cat, off)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					if errors.Is(err, errStaleSession) {
						staleHit = true
					}
					return
				}
				got, d := itemsFromPage(page, c.cfg.BaseURL)
				items = append(items, got...)
				dropped += d
			}(off)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if staleHit {
			c.session.invalidate(sess)
			return nil, errStaleSession
		}
	}

	if dropped > 0 {
		c.log.Warn("records without extractable id skipped",
			logx.String("category", cat.Title), logx.Int("count", dropped))
	}
	if failed > 0 {
		// Partial data is still usable; the reconciler treats only a fully
		// empty result as a failed fetch.
		c.log.Warn("pages failed after retries",
			logx.String("category", cat.Title), logx.Int("count", failed))
	}

	return filterMaxPrice(items, cat.MaxPrice), nil
}

func (c *Client) fetchPageRetry(ctx context.Context, sess *session, cat Category, offset int) (*resultsPage, error) {
	var lastErr error
	for attempt := 1; attempt <= pageRetryMax; attempt++ {
		page, err := c.fetchPage(ctx, sess, cat, offset)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if errors.Is(err, errStaleSession) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Debug("page fetch failed",
			logx.Int("offset", offset), logx.Int("attempt", attempt), logx.Err(err))
		if attempt < pageRetryMax {
			t := time.NewTimer(pageRetryPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil, fmt.Errorf("offset %d: %w", offset, lastErr)
}

func (c *Client) fetchPage(ctx context.Context, sess *session, cat Category, offset int) (*resultsPage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"branding": "co",
		"context": map[string]any{
			"kind":        "mf",
			"region":      "na",
			"property":    "mf_na",
			"search_kind": cat.SearchKind,
		},
		"criteria":        map[string]any{"bcat": []string{cat.Bcat}},
		"fw":              "pr:hrs:shr:chr:fhr",
		"intro_header":    fmt.Sprintf("Used %s For Sale", cat.Title),
		"locked_criteria": map[string]any{"bcat": []string{cat.Bcat}},
		"show_more_start": offset,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/ww/en-US/mfinder/results?mw=t&lang_code=en-US"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-CSRF-Token", sess.csrf)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	for _, ck := range sess.cookies {
		req.AddCookie(ck)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, errStaleSession
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("results endpoint status %d", resp.StatusCode)
	}

	var env resultsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if env.Results == nil {
		return nil, errors.New("results key missing in response")
	}
	return env.Results, nil
}
