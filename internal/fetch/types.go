// Package fetch implements the Source Fetcher: a client for the listing
// site's search API. Repeated calls for the same category return the current
// full state, never a delta, so callers may retry freely.
package fetch

import "time"

// Category is one named search configuration.
type Category struct {
	Title      string
	SearchKind string
	Bcat       string
	// MaxPrice filters client-side; 0 disables the filter.
	MaxPrice int
}

// Item is one listing as fetched. Only ID is durable; everything else is
// display data carried from fetch through to notification.
type Item struct {
	ID       string
	Title    string
	Price    string
	Location string
	Hours    string
	ImageURL string
	Link     string
	// ListedAt is the site's "hours updated" date (e.g. "22 May 2025") when
	// the API exposes it; empty otherwise. Feeds the optional
	// notify_today_only policy.
	ListedAt string
}

type Config struct {
	BaseURL     string
	Parallelism int
	PageTimeout time.Duration
	RatePerSec  int
}

const (
	defaultBaseURL     = "https://www.machinefinder.com"
	defaultParallelism = 5
	defaultPageTimeout = 30 * time.Second
	defaultRatePerSec  = 10

	// The results endpoint pages in fixed blocks of 25.
	pageSize = 25

	pageRetryMax   = 3
	pageRetryPause = 2 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = defaultPageTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	return c
}
