package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Use(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(Discard)

	Named("graph").Info("pathway added", slog.String("pathway_id", "p1"))
	out := buf.String()
	if !strings.Contains(out, `"component":"graph"`) || !strings.Contains(out, `"pathway_id":"p1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestRotatingWriterKeepsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	w, err := newRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 16
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backups, _ := filepath.Glob(path + ".*")
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(backups))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat active: %v", err)
	}
	if info.Size() != 16 {
		t.Fatalf("active file should hold one record, got %d bytes", info.Size())
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
