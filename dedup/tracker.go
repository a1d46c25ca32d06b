// Package dedup tracks which articles have already been persisted for a
// source, making reruns of an already-completed crawl a no-op with
// respect to output growth. The seen set is backed by SQLite, loaded
// once at run start, and guarded by a mutex: it is one of the two
// pieces of state shared across concurrent workers.
package dedup

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Tracker answers "has this external ID been persisted before" for one
// source. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	db       *sql.DB
	sourceID string
	seen     map[string]struct{}
	// readOnly suppresses database writes; claims live only in memory.
	// Used by dry runs.
	readOnly bool
}

// Open opens (creating if needed) the seen-set database at dbPath and
// loads prior external IDs for the source.
func Open(dbPath, sourceID string) (*Tracker, error) {
	return open(dbPath, sourceID, false)
}

// OpenReadOnly loads the seen set but never writes back. Marks are kept
// in memory only, so a dry run still reports accurate duplicate counts
// without mutating resume state.
func OpenReadOnly(dbPath, sourceID string) (*Tracker, error) {
	return open(dbPath, sourceID, true)
}

func open(dbPath, sourceID string, readOnly bool) (*Tracker, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open seen-set database: %w", err)
	}

	t := &Tracker{
		db:       db,
		sourceID: sourceID,
		seen:     make(map[string]struct{}),
		readOnly: readOnly,
	}

	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := t.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load seen set: %w", err)
	}

	return t, nil
}

func (t *Tracker) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS seen (
		source_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		first_seen_at TEXT NOT NULL,
		PRIMARY KEY (source_id, external_id)
	);
	`

	_, err := t.db.Exec(schema)
	return err
}

func (t *Tracker) load() error {
	rows, err := t.db.Query("SELECT external_id FROM seen WHERE source_id = ?", t.sourceID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		t.seen[id] = struct{}{}
	}
	return rows.Err()
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Len returns the number of known external IDs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// IsNew reports whether the external ID has not been seen before. It
// does not mark the ID; use MarkSeen or Claim.
func (t *Tracker) IsNew(externalID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, seen := t.seen[externalID]
	return !seen
}

// MarkSeen records an external ID as persisted.
func (t *Tracker) MarkSeen(externalID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mark(externalID)
}

// Claim atomically checks and marks an external ID. It returns true for
// exactly one caller per ID, however many workers race on it; later
// callers see false and treat the record as a duplicate.
func (t *Tracker) Claim(externalID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, seen := t.seen[externalID]; seen {
		return false, nil
	}
	if err := t.mark(externalID); err != nil {
		return false, err
	}
	return true, nil
}

// mark must be called with the mutex held.
func (t *Tracker) mark(externalID string) error {
	t.seen[externalID] = struct{}{}
	if t.readOnly {
		return nil
	}

	_, err := t.db.Exec(
		"INSERT OR IGNORE INTO seen (source_id, external_id, first_seen_at) VALUES (?, ?, ?)",
		t.sourceID, externalID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record external ID: %w", err)
	}
	return nil
}
