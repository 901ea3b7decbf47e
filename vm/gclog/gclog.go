// Package gclog journals collection statistics to a SQLite database so
// that collector behaviour can be compared across runs.
package gclog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/jvmx/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// Entry is one journaled collection.
type Entry struct {
	RunID       string
	Sequence    uint64
	Time        time.Time
	BytesBefore int
	BytesAfter  int
	Live        int
	Released    int
	Finalizable int
	Duration    time.Duration
}

// Journal writes collection statistics for one run.
type Journal struct {
	db    *sql.DB
	path  string
	runID string
	mu    sync.Mutex
	log   commonlog.Logger
}

// Open opens (creating if needed) the journal database at path. Use
// ":memory:" for a throwaway journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS collections (
		run_id       TEXT    NOT NULL,
		sequence     INTEGER NOT NULL,
		at_unix_nano INTEGER NOT NULL,
		bytes_before INTEGER NOT NULL,
		bytes_after  INTEGER NOT NULL,
		live         INTEGER NOT NULL,
		released     INTEGER NOT NULL,
		finalizable  INTEGER NOT NULL,
		duration_ns  INTEGER NOT NULL,
		PRIMARY KEY (run_id, sequence)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Journal{
		db:    db,
		path:  path,
		runID: uuid.NewString(),
		log:   commonlog.GetLogger("jvmx.gclog"),
	}, nil
}

// RunID identifies the entries written by this journal.
func (j *Journal) RunID() string { return j.runID }

// Attach journals every collection of heap from now on.
func (j *Journal) Attach(heap *vm.Collector) {
	heap.OnCollection(func(stats *vm.CollectionStats) {
		if err := j.Record(stats); err != nil {
			j.log.Warningf("journal %s: %v", j.path, err)
		}
	})
}

// Record writes one collection.
func (j *Journal) Record(stats *vm.CollectionStats) error {
	if stats == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.Exec(`INSERT INTO collections
		(run_id, sequence, at_unix_nano, bytes_before, bytes_after, live, released, finalizable, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, int64(stats.Sequence), stats.Timestamp.UnixNano(),
		stats.BytesBefore, stats.BytesAfter, stats.LiveObjects, stats.Released,
		stats.Finalizable, int64(stats.Duration))
	if err != nil {
		return fmt.Errorf("recording collection %d: %w", stats.Sequence, err)
	}
	return nil
}

// Recent returns up to n entries of this run, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.Query(`SELECT run_id, sequence, at_unix_nano, bytes_before, bytes_after,
		live, released, finalizable, duration_ns
		FROM collections WHERE run_id = ? ORDER BY sequence DESC LIMIT ?`, j.runID, n)
	if err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			seq     int64
			at, dur int64
		)
		if err := rows.Scan(&e.RunID, &seq, &at, &e.BytesBefore, &e.BytesAfter,
			&e.Live, &e.Released, &e.Finalizable, &dur); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Time = time.Unix(0, at)
		e.Duration = time.Duration(dur)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
