// Package store persists the device-side state that must survive a
// power cycle: the pending stock-update queue, the last accepted
// config snapshot, and the frame sequence counter.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"shelfsync/internal/domain"
)

// Store is a SQLite-backed device state store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the device database at dbPath and runs the
// schema migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate device db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_updates (
			sequence   INTEGER PRIMARY KEY,
			row        INTEGER NOT NULL,
			level      INTEGER NOT NULL,
			box        INTEGER NOT NULL,
			count      INTEGER NOT NULL,
			battery    INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS config_snapshot (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			snapshot TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NextSequence allocates and persists the next frame sequence number.
// Sequences start at 1 and never repeat across power cycles.
func (s *Store) NextSequence() (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, domain.WrapOp("store.NextSequence", err)
	}
	defer tx.Rollback()

	var value uint64
	err = tx.QueryRow("SELECT value FROM counters WHERE name = 'sequence'").Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		value = 0
	case err != nil:
		return 0, domain.WrapOp("store.NextSequence", err)
	}
	value++
	if _, err := tx.Exec(
		"INSERT INTO counters (name, value) VALUES ('sequence', ?) ON CONFLICT(name) DO UPDATE SET value = ?",
		value, value,
	); err != nil {
		return 0, domain.WrapOp("store.NextSequence", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.WrapOp("store.NextSequence", err)
	}
	return value, nil
}

// Enqueue appends a stock delta to the pending queue. The delta must
// already carry its allocated sequence number.
func (s *Store) Enqueue(d domain.StockDelta) error {
	_, err := s.db.Exec(
		"INSERT INTO pending_updates (sequence, row, level, box, count, battery, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		d.Sequence, d.Slot.Row, d.Slot.Level, d.Slot.Box, d.Count, d.Battery,
		d.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("store.Enqueue", domain.ErrStorage, err.Error())
	}
	return nil
}

// Pending returns every queued delta in sequence order.
func (s *Store) Pending(deviceID string) ([]domain.StockDelta, error) {
	rows, err := s.db.Query(
		"SELECT sequence, row, level, box, count, battery, created_at FROM pending_updates ORDER BY sequence",
	)
	if err != nil {
		return nil, domain.NewDomainError("store.Pending", domain.ErrStorage, err.Error())
	}
	defer rows.Close()

	var deltas []domain.StockDelta
	for rows.Next() {
		var (
			d  domain.StockDelta
			ts string
		)
		if err := rows.Scan(&d.Sequence, &d.Slot.Row, &d.Slot.Level, &d.Slot.Box, &d.Count, &d.Battery, &ts); err != nil {
			return nil, domain.NewDomainError("store.Pending", domain.ErrStorage, err.Error())
		}
		d.DeviceID = deviceID
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.Timestamp = parsed
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("store.Pending", domain.ErrStorage, err.Error())
	}
	return deltas, nil
}

// Ack removes the delta with the given sequence from the queue. A
// sequence that is no longer queued is not an error; duplicate acks
// arrive when the bridge retries after a dropped response.
func (s *Store) Ack(sequence uint64) error {
	_, err := s.db.Exec("DELETE FROM pending_updates WHERE sequence = ?", sequence)
	if err != nil {
		return domain.NewDomainError("store.Ack", domain.ErrStorage, err.Error())
	}
	return nil
}

// PendingCount reports how many deltas are queued.
func (s *Store) PendingCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pending_updates").Scan(&n); err != nil {
		return 0, domain.NewDomainError("store.PendingCount", domain.ErrStorage, err.Error())
	}
	return n, nil
}

// SaveSnapshot replaces the cached config snapshot.
func (s *Store) SaveSnapshot(snap domain.ConfigSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.WrapOp("store.SaveSnapshot", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO config_snapshot (id, snapshot) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET snapshot = ?",
		string(data), string(data),
	)
	if err != nil {
		return domain.NewDomainError("store.SaveSnapshot", domain.ErrStorage, err.Error())
	}
	return nil
}

// Snapshot returns the cached config snapshot, or ErrNotFound when the
// device has never received one.
func (s *Store) Snapshot() (domain.ConfigSnapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT snapshot FROM config_snapshot WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConfigSnapshot{}, domain.NewDomainError("store.Snapshot", domain.ErrNotFound, "no config snapshot")
	}
	if err != nil {
		return domain.ConfigSnapshot{}, domain.NewDomainError("store.Snapshot", domain.ErrStorage, err.Error())
	}
	var snap domain.ConfigSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return domain.ConfigSnapshot{}, domain.NewDomainError("store.Snapshot", domain.ErrStorage, err.Error())
	}
	return snap, nil
}
