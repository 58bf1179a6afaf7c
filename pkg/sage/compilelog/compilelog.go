// Package compilelog records compile attempts in a SQLite database so that
// failures can be reviewed after the fact with `sage history`.
package compilelog

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sambeau/sage/pkg/sage/cache"
	serrors "github.com/sambeau/sage/pkg/sage/errors"

	// SQLite driver (pure Go, no CGO required)
	_ "modernc.org/sqlite"
)

// DefaultFile is the database name used when Config.Path is empty.
const DefaultFile = "compile_log.db"

// Log is a compile history database.
type Log struct {
	mu          sync.RWMutex
	db          *sql.DB
	path        string
	maxSize     int64 // Maximum database size in bytes
	truncatePct int   // Percentage of rows deleted when the limit is reached
	seq         uint64
}

// Entry is one recorded compile attempt.
type Entry struct {
	ID       int64
	Key      string
	Reason   string
	Changed  string
	Started  time.Time
	Duration time.Duration
	Deps     int
	OK       bool
	Class    string
	Code     string
	File     string
	Line     int
	Message  string
}

// Config configures the compile log.
type Config struct {
	Path        string // Database file path, relative to the base directory
	MaxSize     int64  // Max size in bytes (default 10MB)
	TruncatePct int    // Percentage to delete when truncating (default 25%)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:     10 * 1024 * 1024,
		TruncatePct: 25,
	}
}

// Open opens or creates the compile log. An empty cfg.Path uses
// DefaultFile in baseDir.
func Open(baseDir string, cfg Config) (*Log, error) {
	path := cfg.Path
	if path == "" {
		path = filepath.Join(baseDir, DefaultFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating compile log directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening compile log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to compile log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Log{
		db:          db,
		path:        path,
		maxSize:     cfg.MaxSize,
		truncatePct: cfg.TruncatePct,
	}
	if l.maxSize == 0 {
		l.maxSize = 10 * 1024 * 1024
	}
	if l.truncatePct == 0 {
		l.truncatePct = 25
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating compile log schema: %w", err)
	}
	return l, nil
}

func (l *Log) createSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS compiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			changed TEXT NOT NULL DEFAULT '',
			started TEXT NOT NULL,
			duration_us INTEGER NOT NULL DEFAULT 0,
			deps INTEGER NOT NULL DEFAULT 0,
			ok INTEGER NOT NULL,
			class TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			file TEXT NOT NULL DEFAULT '',
			line INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_compiles_key ON compiles(key);
		CREATE INDEX IF NOT EXISTS idx_compiles_ok ON compiles(ok);
	`)
	return err
}

// EntryFromEvent converts a cache event to an Entry.
func EntryFromEvent(ev cache.Event) Entry {
	e := Entry{
		Key:      ev.Key,
		Reason:   ev.Reason,
		Changed:  ev.Changed,
		Started:  ev.Start,
		Duration: ev.Duration,
		Deps:     ev.Deps,
		OK:       ev.Err == nil,
	}
	if ev.Err == nil {
		return e
	}
	e.Message = ev.Err.Error()
	var se *serrors.SageError
	if stderrors.As(ev.Err, &se) {
		e.Class, e.Code = string(se.Class), se.Code
		e.File, e.Line = se.File, se.Line
		e.Message = se.Message
	}
	return e
}

// Record writes an entry.
func (l *Log) Record(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.maybeTruncate(); err != nil {
		slog.Warn("compile log truncation failed", "error", err)
	}
	if e.Started.IsZero() {
		e.Started = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO compiles (key, reason, changed, started, duration_us, deps, ok, class, code, file, line, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Key, e.Reason, e.Changed, e.Started.UTC().Format(time.RFC3339Nano), e.Duration.Microseconds(),
		e.Deps, e.OK, e.Class, e.Code, e.File, e.Line, e.Message)
	if err == nil {
		l.seq++
	}
	return err
}

// Hook returns a cache.Options.OnCompile hook recording every event.
// Write failures are logged to logger.
func (l *Log) Hook(logger *slog.Logger) func(cache.Event) {
	return func(ev cache.Event) {
		if err := l.Record(EntryFromEvent(ev)); err != nil && logger != nil {
			logger.Warn("cannot record compile", "key", ev.Key, "error", err)
		}
	}
}

// Seq returns a sequence number incremented on every write.
func (l *Log) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Filter selects entries for Entries.
type Filter struct {
	Key        string // Only this key, if set
	FailedOnly bool
	Limit      int // Default 100
}

// Entries returns matching entries, newest first.
func (l *Log) Entries(f Filter) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT id, key, reason, changed, started, duration_us, deps, ok, class, code, file, line, message
		FROM compiles WHERE 1 = 1`
	var args []any
	if f.Key != "" {
		query += " AND key = ?"
		args = append(args, f.Key)
	}
	if f.FailedOnly {
		query += " AND ok = 0"
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying compile log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started string
		var micros int64
		if err := rows.Scan(&e.ID, &e.Key, &e.Reason, &e.Changed, &started, &micros, &e.Deps, &e.OK,
			&e.Class, &e.Code, &e.File, &e.Line, &e.Message); err != nil {
			return nil, fmt.Errorf("scanning compile log entry: %w", err)
		}
		e.Started, _ = time.Parse(time.RFC3339Nano, started)
		e.Duration = time.Duration(micros) * time.Microsecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries for key, or all entries if key is
// empty.
func (l *Log) Count(key string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var count int
	var err error
	if key == "" {
		err = l.db.QueryRow("SELECT COUNT(*) FROM compiles").Scan(&count)
	} else {
		err = l.db.QueryRow("SELECT COUNT(*) FROM compiles WHERE key = ?", key).Scan(&count)
	}
	return count, err
}

// Clear removes the entries for key, or every entry if key is empty.
func (l *Log) Clear(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if key == "" {
		_, err = l.db.Exec("DELETE FROM compiles")
	} else {
		_, err = l.db.Exec("DELETE FROM compiles WHERE key = ?", key)
	}
	return err
}

// maybeTruncate deletes the oldest entries once the database outgrows its
// limit. Must be called with the lock held.
func (l *Log) maybeTruncate() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < l.maxSize {
		return nil
	}

	var total int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM compiles").Scan(&total); err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	n := max(total*l.truncatePct/100, 1)

	_, err = l.db.Exec(`
		DELETE FROM compiles WHERE id IN (
			SELECT id FROM compiles ORDER BY id ASC LIMIT ?
		)
	`, n)
	if err != nil {
		return fmt.Errorf("truncating compile log: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// Path returns the database file path.
func (l *Log) Path() string {
	return l.path
}
