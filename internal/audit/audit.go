// Package audit implements membership.AuditRecorder over a SQLite database,
// re-themed from the teacher's internal/infra/sqlite package: same
// migrations-as-string-slice bootstrap, same database/sql-over-modernc.org
// driver wrapper — applied to a single table of membership protocol events
// instead of the teacher's marketplace tables.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyparview/hyparview/internal/domain"
)

// Migrations returns the schema migration statements. Each string is a
// single SQL statement (SQLite executes one at a time), mirroring the
// teacher's Phase3Migrations()/Phase4Migrations() shape.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS membership_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			kind        TEXT NOT NULL,
			peer        TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_membership_events_kind ON membership_events(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_membership_events_peer ON membership_events(peer)`,
	}
}

// DB wraps a SQLite connection holding the membership event audit log.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	db := &DB{db: sqlDB}
	for _, stmt := range Migrations() {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("migrate audit db %s: %w", path, err)
		}
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error { return db.db.Close() }

// RecordEvent implements membership.AuditRecorder. The audit trail is
// best-effort: a write failure must never interrupt protocol handling, so
// errors are swallowed here (see RecordEventErr for a variant that surfaces
// them).
func (db *DB) RecordEvent(kind string, peer domain.PeerID, detail string) {
	_, _ = db.db.Exec(`
		INSERT INTO membership_events (kind, peer, detail, recorded_at)
		VALUES (?, ?, ?, datetime('now'))
	`, kind, peer.String(), detail)
}

// RecordEventErr is the same insert as RecordEvent but surfaces the error;
// the tests use it to check that inserts succeed.
func (db *DB) RecordEventErr(kind string, peer domain.PeerID, detail string) error {
	_, err := db.db.Exec(`
		INSERT INTO membership_events (kind, peer, detail, recorded_at)
		VALUES (?, ?, ?, datetime('now'))
	`, kind, peer.String(), detail)
	return err
}

// Event is one row of the membership event audit log.
type Event struct {
	ID         int64
	Kind       string
	Peer       string
	Detail     string
	RecordedAt time.Time
}

// RecentEvents returns the most recent limit events, newest first.
func (db *DB) RecentEvents(limit int) ([]Event, error) {
	rows, err := db.db.Query(`
		SELECT id, kind, peer, detail, recorded_at
		FROM membership_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var recordedStr string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Peer, &e.Detail, &recordedStr); err != nil {
			return nil, err
		}
		e.RecordedAt, _ = time.Parse("2006-01-02 15:04:05", recordedStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByKind returns the number of recorded events of the given kind,
// e.g. "eviction" or "peer_lost".
func (db *DB) CountByKind(kind string) (int, error) {
	var count int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM membership_events WHERE kind = ?`, kind).Scan(&count)
	return count, err
}
