package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel}, // unknown falls back to default
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
	})
	log.Info("hello", String("category", "excavators"), Int("count", 3))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	line := string(b)
	for _, want := range []string{`"message":"hello"`, `"category":"excavators"`, `"count":3`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s:\n%s", want, line)
		}
	}
}

func TestTimingSinkSeparation(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	timingPath := filepath.Join(dir, "timing.log")

	svc, log := New(Config{
		Level:  "info",
		File:   FileConfig{Enabled: true, Path: appPath},
		Timing: FileConfig{Enabled: true, Path: timingPath},
	})
	log.Info("regular line")
	svc.Timing().Info("cycle completed", Duration("took", 0))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	app, _ := os.ReadFile(appPath)
	timing, _ := os.ReadFile(timingPath)
	if strings.Contains(string(app), "cycle completed") {
		t.Error("timing record leaked into the main log")
	}
	if strings.Contains(string(timing), "regular line") {
		t.Error("regular record leaked into the timing log")
	}
	if !strings.Contains(string(timing), "cycle completed") {
		t.Errorf("timing record missing:\n%s", timing)
	}
}

func TestLevelFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	svc, log := New(Config{
		Level: "warn",
		File:  FileConfig{Enabled: true, Path: path},
	})
	log.Debug("noise")
	log.Info("also noise")
	log.Warn("signal")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, _ := os.ReadFile(path)
	out := string(b)
	if strings.Contains(out, "noise") {
		t.Errorf("below-level lines written:\n%s", out)
	}
	if !strings.Contains(out, "signal") {
		t.Errorf("warn line missing:\n%s", out)
	}
}

func TestNopLoggerIsSafe(t *testing.T) {
	var l Logger // zero value
	l.Info("nothing happens")
	Nop().With(String("k", "v")).Error("still nothing")
}
