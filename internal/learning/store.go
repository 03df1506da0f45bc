// Package learning records how actions fare per platform and driver, and
// turns that history into retry strategies. The durable form is an
// append-only SQLite log of outcomes; aggregates live in memory and are
// rebuilt by replaying the log at startup, so the database is never read on
// the hot path.
package learning

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/actuator/internal/action"
)

//go:embed schema.sql
var schemaSQL string

// DefaultRecentWindow is how many recent outcomes each pattern keeps for
// recency-weighted scoring.
const DefaultRecentWindow = 20

// PatternKey identifies one learned pattern: an action kind on a platform
// executed through a particular driver strategy.
type PatternKey struct {
	Kind     action.Kind
	Platform string
	Driver   string
}

// String renders the key as kind/platform/driver.
func (k PatternKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Platform, k.Driver)
}

func (k PatternKey) validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("invalid pattern key kind %q", string(k.Kind))
	}
	if strings.TrimSpace(k.Platform) == "" {
		return fmt.Errorf("pattern key requires a platform")
	}
	if strings.TrimSpace(k.Driver) == "" {
		return fmt.Errorf("pattern key requires a driver")
	}
	return nil
}

// Outcome is one terminal result of executing an action.
type Outcome struct {
	Success   bool
	ErrorKind action.ErrorKind
	Duration  time.Duration
	Timestamp time.Time
}

// Attributable reports whether the outcome says anything about how the
// driver performs. A held lease or a malformed request would have failed the
// same way on any driver, so those outcomes count as attempts but carry no
// signal for success-rate or duration statistics.
func (o Outcome) Attributable() bool {
	switch o.ErrorKind {
	case action.ErrResourceUnavailable, action.ErrActionInvalid:
		return false
	}
	return true
}

// PatternRecord is the in-memory aggregate for one key.
type PatternRecord struct {
	Key         PatternKey
	Attempts    int
	Successes   int
	Failures    int
	Recent      []Outcome // newest first, capped at the store's window
	LastUpdated time.Time
}

// SuccessRate is the lifetime rate over attributable outcomes. The second
// return is false when there is no attributable history at all.
func (r *PatternRecord) SuccessRate() (float64, bool) {
	total := r.Successes + r.Failures
	if total == 0 {
		return 0, false
	}
	return float64(r.Successes) / float64(total), true
}

// Store is the durable pattern store.
type Store struct {
	db     *sql.DB
	dbPath string
	window int

	mu      sync.RWMutex
	records map[PatternKey]*PatternRecord
}

// NewStore opens (creating if necessary) the store at dbPath and replays the
// outcome log into memory. Use ":memory:" for tests.
func NewStore(dbPath string) (*Store, error) {
	return NewStoreWithWindow(dbPath, DefaultRecentWindow)
}

// NewStoreWithWindow opens a store with a custom recent-outcome window.
func NewStoreWithWindow(dbPath string, window int) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if window <= 0 {
		window = DefaultRecentWindow
	}

	db, err := openAndInitStore(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:      db,
		dbPath:  dbPath,
		window:  window,
		records: make(map[PatternKey]*PatternRecord),
	}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.replay(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// openAndInitStore opens the database and applies concurrency pragmas.
// busy_timeout is set first so the remaining pragmas tolerate a concurrent
// writer holding the database.
func openAndInitStore(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps WAL writers serialized and makes ":memory:"
	// behave like a single database rather than one per pooled connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

// execWithRetry retries transient lock errors with exponential backoff.
// Any other error fails immediately.
func execWithRetry(db *sql.DB, query string, maxRetries int, baseDelay time.Duration) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if _, err = db.Exec(query); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<i))
	}
	return err
}

// Record appends one outcome to the log and folds it into the in-memory
// aggregate. The log write happens first: an aggregate without its log row
// would vanish on restart, while the reverse is impossible.
func (s *Store) Record(ctx context.Context, key PatternKey, out Outcome) error {
	if err := key.validate(); err != nil {
		return err
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	errKind := sql.NullString{}
	if out.ErrorKind != "" {
		errKind = sql.NullString{String: string(out.ErrorKind), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (action_kind, platform, driver, success, error_kind, duration_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(key.Kind), key.Platform, key.Driver, out.Success, errKind,
		out.Duration.Milliseconds(), out.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", key, err)
	}

	s.mu.Lock()
	s.merge(key, out)
	s.mu.Unlock()
	return nil
}

// merge folds one outcome into the aggregate map. Caller holds s.mu.
func (s *Store) merge(key PatternKey, out Outcome) {
	rec, ok := s.records[key]
	if !ok {
		rec = &PatternRecord{Key: key}
		s.records[key] = rec
	}
	rec.Attempts++
	if out.Attributable() {
		if out.Success {
			rec.Successes++
		} else {
			rec.Failures++
		}
		rec.Recent = append([]Outcome{out}, rec.Recent...)
		if len(rec.Recent) > s.window {
			rec.Recent = rec.Recent[:s.window]
		}
	}
	if out.Timestamp.After(rec.LastUpdated) {
		rec.LastUpdated = out.Timestamp
	}
}

// replay rebuilds the aggregate map from the outcome log in insert order.
func (s *Store) replay(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_kind, platform, driver, success, error_kind, duration_ms, ts
		 FROM outcomes ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("failed to replay outcome log: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[PatternKey]*PatternRecord)

	for rows.Next() {
		var (
			kind, platform, driver string
			success                bool
			errKind                sql.NullString
			durationMS             int64
			ts                     time.Time
		)
		if err := rows.Scan(&kind, &platform, &driver, &success, &errKind, &durationMS, &ts); err != nil {
			return fmt.Errorf("failed to scan outcome row: %w", err)
		}
		out := Outcome{
			Success:   success,
			Duration:  time.Duration(durationMS) * time.Millisecond,
			Timestamp: ts,
		}
		if errKind.Valid {
			out.ErrorKind = action.ErrorKind(errKind.String)
		}
		s.merge(PatternKey{Kind: action.Kind(kind), Platform: platform, Driver: driver}, out)
	}
	return rows.Err()
}

// Snapshot returns a copy of the record for key, or false if none exists.
func (s *Store) Snapshot(key PatternKey) (*PatternRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// Records returns copies of every record, sorted by key for stable output.
func (s *Store) Records() []*PatternRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PatternRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// RecordsFor returns copies of the records for every driver that has history
// for the given kind and platform.
func (s *Store) RecordsFor(kind action.Kind, platform string) []*PatternRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PatternRecord
	for key, rec := range s.records {
		if key.Kind == kind && key.Platform == platform {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Driver < out[j].Key.Driver
	})
	return out
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func copyRecord(rec *PatternRecord) *PatternRecord {
	cp := *rec
	cp.Recent = append([]Outcome(nil), rec.Recent...)
	return &cp
}
