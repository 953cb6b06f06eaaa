package watch

import (
	"testing"
	"time"
)

func TestParseScheduleDuration(t *testing.T) {
	for _, raw := range []string{"45m", "interval:45m", " 45m "} {
		s, err := ParseSchedule(raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", raw, err)
		}
		if s.Source != "duration" || s.Every != 45*time.Minute {
			t.Fatalf("ParseSchedule(%q) = %+v", raw, s)
		}
		if got := s.next(time.Now()); got != 45*time.Minute {
			t.Fatalf("next = %v, want 45m", got)
		}
	}
}

func TestParseScheduleCron(t *testing.T) {
	for _, raw := range []string{"*/30 * * * *", "cron:0 6 * * *", "@hourly"} {
		s, err := ParseSchedule(raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q): %v", raw, err)
		}
		if s.Source != "cron" || s.Cron == nil {
			t.Fatalf("ParseSchedule(%q) = %+v", raw, s)
		}
	}

	s, err := ParseSchedule("0 * * * *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	// 12:15 -> next top of hour is 45 minutes away.
	after := time.Date(2025, time.May, 22, 12, 15, 0, 0, time.UTC)
	if got := s.next(after); got != 45*time.Minute {
		t.Fatalf("next = %v, want 45m", got)
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	for _, raw := range []string{
		"", "   ", "0s", "-5m", "cron:", "interval:", "cron:not a cron",
		"99 * * * *", "soonish",
	} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Errorf("ParseSchedule(%q) accepted", raw)
		}
	}
}
