package compilelog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sambeau/sage/pkg/sage/cache"
	serrors "github.com/sambeau/sage/pkg/sage/errors"
)

func open(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("failed to open compile log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenCreatesDatabase(t *testing.T) {
	l := open(t, DefaultConfig())
	if _, err := os.Stat(l.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if base := filepath.Base(l.Path()); base != DefaultFile {
		t.Errorf("expected %s, got %s", DefaultFile, base)
	}
}

func TestOpenWithRelativePath(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, Config{Path: "logs/compiles.db"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if want := filepath.Join(dir, "logs", "compiles.db"); l.Path() != want {
		t.Errorf("path = %s, want %s", l.Path(), want)
	}
}

func TestRecordAndQuery(t *testing.T) {
	l := open(t, DefaultConfig())
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok := cache.Event{Key: "/a.jsp", Reason: "new", Start: start, Duration: 1500 * time.Microsecond, Deps: 3}
	scanErr := serrors.New("SCAN-0014", map[string]any{"Tag": "jsp:scriptlet", "OpenLine": 7}).WithFile("/site/b.jsp").WithPosition(7, 2)
	failed := cache.Event{Key: "/b.jsp", Reason: "stale", Changed: "/site/b.jsp", Start: start.Add(time.Second), Err: fmt.Errorf("compile: %w", scanErr)}

	hook := l.Hook(nil)
	hook(ok)
	hook(failed)

	if l.Seq() != 2 {
		t.Errorf("seq = %d, want 2", l.Seq())
	}

	all, err := l.Entries(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Key != "/b.jsp" || all[1].Key != "/a.jsp" {
		t.Fatalf("entries = %+v", all)
	}

	a := all[1]
	if !a.OK || a.Deps != 3 || a.Duration != 1500*time.Microsecond || !a.Started.Equal(start) {
		t.Errorf("ok entry = %+v", a)
	}
	b := all[0]
	if b.OK || b.Class != "scan" || b.Code != "SCAN-0014" || b.File != "/site/b.jsp" || b.Line != 7 {
		t.Errorf("failed entry = %+v", b)
	}
	if b.Changed != "/site/b.jsp" || b.Reason != "stale" {
		t.Errorf("failed entry reason = %q %q", b.Reason, b.Changed)
	}

	failures, err := l.Entries(Filter{FailedOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Key != "/b.jsp" {
		t.Errorf("failures = %+v", failures)
	}

	forA, err := l.Entries(Filter{Key: "/a.jsp"})
	if err != nil {
		t.Fatal(err)
	}
	if len(forA) != 1 {
		t.Errorf("entries for /a.jsp = %d", len(forA))
	}
}

func TestEntryFromPlainError(t *testing.T) {
	e := EntryFromEvent(cache.Event{Key: "/x.jsp", Err: errors.New("disk on fire")})
	if e.OK || e.Code != "" || e.Message != "disk on fire" {
		t.Errorf("entry = %+v", e)
	}
}

func TestCountAndClear(t *testing.T) {
	l := open(t, DefaultConfig())
	for _, key := range []string{"/a.jsp", "/a.jsp", "/b.jsp"} {
		if err := l.Record(Entry{Key: key, OK: true}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		key  string
		want int
	}{
		{"", 3},
		{"/a.jsp", 2},
		{"/c.jsp", 0},
	}
	for _, tt := range tests {
		n, err := l.Count(tt.key)
		if err != nil {
			t.Fatal(err)
		}
		if n != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.key, n, tt.want)
		}
	}

	if err := l.Clear("/a.jsp"); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.Count(""); n != 1 {
		t.Errorf("after Clear(/a.jsp) count = %d", n)
	}
	if err := l.Clear(""); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.Count(""); n != 0 {
		t.Errorf("after Clear() count = %d", n)
	}
}

func TestLimit(t *testing.T) {
	l := open(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		if err := l.Record(Entry{Key: fmt.Sprintf("/p%d.jsp", i), OK: true}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Entries(Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "/p4.jsp" {
		t.Errorf("entries = %+v", entries)
	}
}
