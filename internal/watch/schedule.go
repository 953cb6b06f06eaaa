package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is the parsed cycle trigger: either a cron expression or a fixed
// interval slept after each cycle finishes.
//
// Supported forms:
//   - Cron: "*/30 * * * *", "@hourly", or explicit "cron:0 6 * * *"
//   - Interval duration: "45m", "2h30m", or explicit "interval:45m"
type Schedule struct {
	Every time.Duration
	Cron  cron.Schedule
	// Source is "cron" or "duration", for logs.
	Source string
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("watch.cycle_schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	}

	// Heuristics: whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	return parseInterval(s)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return Schedule{Cron: sch, Source: "cron"}, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/30 * * * *' or a duration like '45m')", v)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Every: d, Source: "duration"}, nil
}

// next returns the wait before the next cycle given when the last one ended.
func (s Schedule) next(after time.Time) time.Duration {
	if s.Cron != nil {
		d := s.Cron.Next(after).Sub(after)
		if d < 0 {
			d = 0
		}
		return d
	}
	return s.Every
}
