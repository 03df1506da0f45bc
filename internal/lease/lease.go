// Package lease provides filesystem-backed resource leases so that
// cooperating engine processes do not drive the same UI resource at once.
// Each resource gets a JSON record in the lease directory; reads and writes
// of a record happen under a sibling flock, and the record itself is
// replaced atomically via a temp file and rename. The flock also serializes
// goroutines within one process, and a per-manager held set keeps a second
// in-process acquire from piggybacking on its own owner id. Crashed holders
// are handled by expiry: a lease older than its TTL is free for the taking.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// DefaultTTL is how long a lease lives when the manager is not configured
// with an explicit TTL.
const DefaultTTL = 5 * time.Minute

// Lease is the on-disk lease record.
type Lease struct {
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int64     `json:"ttl"`
}

// TTL returns the record's time-to-live as a duration.
func (l *Lease) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// ExpiresAt returns the instant the lease lapses.
func (l *Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL())
}

// Expired reports whether the lease has lapsed as of now.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// ConflictError reports that a resource is actively leased by another owner.
type ConflictError struct {
	ResourceID string
	HolderID   string
	ExpiresAt  time.Time
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %q is leased by %s until %s",
		e.ResourceID, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// IsConflict reports whether err is (or wraps) a lease conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// Manager acquires and releases leases in one directory on behalf of one
// owner. Managers in different processes coordinate purely through the
// filesystem; within a process the manager also tracks which leases it has
// in flight, so two goroutines can never drive the same resource at once
// even though they share an owner id.
type Manager struct {
	dir     string
	ownerID string
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	held map[string]struct{}
}

// NewManager creates a manager over dir, creating it if needed. An empty
// ownerID gets a generated UUID; a non-positive ttl gets DefaultTTL.
func NewManager(dir, ownerID string, ttl time.Duration) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("lease directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lease directory: %w", err)
	}
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		dir:     dir,
		ownerID: ownerID,
		ttl:     ttl,
		now:     time.Now,
		held:    make(map[string]struct{}),
	}, nil
}

// OwnerID returns the identity this manager acquires leases under.
func (m *Manager) OwnerID() string {
	return m.ownerID
}

// Acquire takes the lease on a resource. It fails with a ConflictError when
// another owner holds an unexpired lease, or when this manager itself still
// has the lease in flight: a resource runs at most one action at a time no
// matter who asks. Expired leases are taken over, and a record left on disk
// by a crashed run under the same owner id is reclaimed.
func (m *Manager) Acquire(resourceID string) error {
	if strings.TrimSpace(resourceID) == "" {
		return fmt.Errorf("resource id cannot be empty")
	}
	recordPath := m.recordPath(resourceID)

	lock := flock.New(recordPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock lease %s: %w", resourceID, err)
	}
	defer lock.Unlock()

	existing, err := readRecord(recordPath)
	if err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	_, inFlight := m.held[resourceID]
	m.mu.Unlock()
	if inFlight {
		expires := now.Add(m.ttl)
		if existing != nil {
			expires = existing.ExpiresAt()
		}
		return &ConflictError{
			ResourceID: resourceID,
			HolderID:   m.ownerID,
			ExpiresAt:  expires,
		}
	}

	if existing != nil && !existing.Expired(now) && existing.OwnerID != m.ownerID {
		return &ConflictError{
			ResourceID: resourceID,
			HolderID:   existing.OwnerID,
			ExpiresAt:  existing.ExpiresAt(),
		}
	}

	record := &Lease{
		ResourceID: resourceID,
		OwnerID:    m.ownerID,
		AcquiredAt: now.UTC(),
		TTLSeconds: int64(m.ttl / time.Second),
	}
	if err := writeRecordAtomic(recordPath, record); err != nil {
		return fmt.Errorf("failed to write lease %s: %w", resourceID, err)
	}
	m.mu.Lock()
	m.held[resourceID] = struct{}{}
	m.mu.Unlock()
	return nil
}

// Release drops this manager's lease on a resource. Releasing a lease that
// is not held is a no-op; releasing someone else's lease is a conflict. The
// lock file is left behind so a concurrent Acquire never locks a vanishing
// path.
func (m *Manager) Release(resourceID string) error {
	recordPath := m.recordPath(resourceID)

	// The in-process claim ends as soon as release is requested; an error
	// removing the record only delays other owners until expiry.
	m.mu.Lock()
	delete(m.held, resourceID)
	m.mu.Unlock()

	lock := flock.New(recordPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock lease %s: %w", resourceID, err)
	}
	defer lock.Unlock()

	existing, err := readRecord(recordPath)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.OwnerID != m.ownerID && !existing.Expired(m.now()) {
		return &ConflictError{
			ResourceID: resourceID,
			HolderID:   existing.OwnerID,
			ExpiresAt:  existing.ExpiresAt(),
		}
	}
	if err := os.Remove(recordPath); err != nil {
		return fmt.Errorf("failed to remove lease %s: %w", resourceID, err)
	}
	return nil
}

// List returns every lease record in the directory, expired ones included,
// sorted by resource id.
func (m *Manager) List() ([]*Lease, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease directory: %w", err)
	}
	var leases []*Lease
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			leases = append(leases, rec)
		}
	}
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].ResourceID < leases[j].ResourceID
	})
	return leases, nil
}

// Clean removes expired and unreadable lease records and returns how many
// it removed.
func (m *Manager) Clean() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read lease directory: %w", err)
	}

	removed := 0
	now := m.now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		recordPath := filepath.Join(m.dir, entry.Name())

		lock := flock.New(recordPath + ".lock")
		if err := lock.Lock(); err != nil {
			return removed, fmt.Errorf("failed to lock %s: %w", entry.Name(), err)
		}
		rec, err := readRecord(recordPath)
		if err != nil {
			lock.Unlock()
			return removed, err
		}
		if rec == nil || rec.Expired(now) {
			if err := os.Remove(recordPath); err != nil && !os.IsNotExist(err) {
				lock.Unlock()
				return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
			}
			removed++
		}
		lock.Unlock()
	}
	return removed, nil
}

// recordPath maps a resource id to its record file. The sanitized name
// keeps the directory browsable; the hash suffix keeps distinct resources
// distinct even when sanitizing collides.
func (m *Manager) recordPath(resourceID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, resourceID)
	h := fnv.New32a()
	h.Write([]byte(resourceID))
	return filepath.Join(m.dir, fmt.Sprintf("%s-%08x.json", sanitized, h.Sum32()))
}

// readRecord loads a lease record. A missing file returns (nil, nil). A
// corrupt record is also treated as absent: Acquire overwrites it and Clean
// removes it, which is the only sane recovery for a half-written file left
// by a crash.
func readRecord(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease record: %w", err)
	}
	var rec Lease
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	if rec.ResourceID == "" || rec.OwnerID == "" {
		return nil, nil
	}
	return &rec, nil
}

// writeRecordAtomic writes the record to a temp file in the same directory,
// fsyncs it, and renames it into place so readers never observe a partial
// record.
func writeRecordAtomic(path string, rec *Lease) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-lease-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	tempFile = nil // rename succeeded, skip cleanup
	return nil
}
