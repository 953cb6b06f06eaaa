package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Fetch    FetchConfig    `json:"fetch,omitempty"`

	// Notify tunes the async notification pipeline. If the whole section is
	// omitted the notifier runs with defaults (1 worker, 1 msg/sec).
	Notify *NotifyConfig `json:"notify,omitempty"`

	Watch      WatchConfig      `json:"watch"`
	Categories []CategoryConfig `json:"categories"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	// TimingFile receives only cycle/category duration records.
	TimingFile LoggingFile `json:"timing_file"`
}

type LoggingFile struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// FetchConfig tunes the listing API client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m"); a day
// suffix is also accepted ("60d").
type FetchConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	Parallelism int    `json:"parallelism,omitempty"`
	PageTimeout string `json:"page_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

type NotifyConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// WatchConfig controls the reconciliation loop.
//
// CycleSchedule accepts either a cron expression ("cron:0 * * * *" or a bare
// 5-field spec) or a Go duration ("45m"). CleanupEnabled, RetryCeiling and
// ReportEvery are pointers so "omitted" (take the default) stays
// distinguishable from an explicit zero (disable).
type WatchConfig struct {
	CycleSchedule string `json:"cycle_schedule"`
	CategoryDelay string `json:"category_delay,omitempty"`
	// RetryCeiling is the number of retries after the first empty fetch.
	// Omitted: 10. Explicit 0: a single attempt, no retries.
	RetryCeiling    *int   `json:"retry_ceiling,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
	CleanupEnabled  *bool  `json:"cleanup_enabled,omitempty"`
	NotifyTodayOnly bool   `json:"notify_today_only,omitempty"`
	// ExpireAfter enables secondary time-based pruning of rows whose
	// last_seen is older than the threshold. "0s" (default) disables it.
	ExpireAfter string `json:"expire_after,omitempty"`
	// ReportEvery is the storage report cadence in cycles. Omitted: 10.
	// Explicit 0: no reports.
	ReportEvery *int `json:"report_every,omitempty"`
}

type CategoryConfig struct {
	Title      string `json:"title"`
	SearchKind string `json:"search_kind"`
	// Bcat defaults to SearchKind when omitted.
	Bcat     string `json:"bcat,omitempty"`
	MaxPrice int    `json:"max_price,omitempty"`
}

// Validate checks everything that can be checked without side effects.
// Schedule syntax is validated by the watch package (the manager's validator
// hook wires both together).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if c.Telegram.ChatID == 0 {
		return errors.New("telegram.chat_id is required")
	}
	if len(c.Categories) == 0 {
		return errors.New("at least one category is required")
	}
	seen := make(map[string]struct{}, len(c.Categories))
	for i, cat := range c.Categories {
		if strings.TrimSpace(cat.Title) == "" {
			return fmt.Errorf("categories[%d]: title is required", i)
		}
		if strings.TrimSpace(cat.SearchKind) == "" {
			return fmt.Errorf("categories[%d] (%s): search_kind is required", i, cat.Title)
		}
		if cat.MaxPrice < 0 {
			return fmt.Errorf("categories[%d] (%s): max_price must be >= 0", i, cat.Title)
		}
		if _, dup := seen[cat.Title]; dup {
			return fmt.Errorf("categories[%d]: duplicate title %q", i, cat.Title)
		}
		seen[cat.Title] = struct{}{}
	}
	if c.Watch.RetryCeiling != nil && *c.Watch.RetryCeiling < 0 {
		return errors.New("watch.retry_ceiling must be >= 0")
	}
	if c.Watch.ReportEvery != nil && *c.Watch.ReportEvery < 0 {
		return errors.New("watch.report_every must be >= 0")
	}
	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"fetch.page_timeout", c.Fetch.PageTimeout},
		{"watch.category_delay", c.Watch.CategoryDelay},
		{"watch.retry_delay", c.Watch.RetryDelay},
		{"watch.expire_after", c.Watch.ExpireAfter},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Notify != nil {
		for _, d := range []struct{ path, raw string }{
			{"notify.retry_base", c.Notify.RetryBase},
			{"notify.retry_max_delay", c.Notify.RetryMaxDelay},
		} {
			if _, err := ParseDurationField(d.path, d.raw); err != nil {
				return err
			}
		}
	}
	return nil
}
