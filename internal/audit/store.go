// Package audit persists security-relevant events and ban records, and
// tracks the in-memory statistics counters. The network state itself
// (users, channels, servers) stays in memory and is never written here;
// only the audit trail, operator-set bans, and a small settings table
// survive a restart.
//
// SQL statements live in the [migrations] slice, applied once each and
// tracked in schema_migrations. Append new entries; never edit or reorder
// existing ones.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store (server name, last-reload timestamp, etc.)
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — audit log
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		kind         TEXT NOT NULL,
		severity     TEXT NOT NULL,
		actor        TEXT NOT NULL DEFAULT '',
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — connection bans (IP or hostmask)
	`CREATE TABLE IF NOT EXISTS bans (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		mask       TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		set_by     TEXT NOT NULL DEFAULT '',
		duration_s INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	`PRAGMA journal_mode=WAL`,
}

// Store wraps the SQLite database backing the audit trail and ban list.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for ephemeral storage in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("[audit] open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("audit: WAL mode unavailable", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("audit: busy_timeout unavailable", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("[audit] migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Info("audit: applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key. ok is false when the key
// is absent; err is only non-nil on a real I/O failure.
func (s *Store) GetSetting(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return value, err == nil, err
}

// SetSetting upserts key → value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Entry is one persisted audit_log row.
type Entry struct {
	ID          int64
	Kind        string
	Severity    string
	Actor       string
	Target      string
	DetailsJSON string
	CreatedAt   int64
}

// maxEntries bounds the audit_log table; the oldest rows are purged past it.
const maxEntries = 50000

// Insert records one audit event.
func (s *Store) Insert(kind, severity, actor, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(kind, severity, actor, target, details_json) VALUES(?,?,?,?,?)`,
		kind, severity, actor, target, detailsJSON,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT ?)`,
		maxEntries,
	)
	return err
}

// Recent returns the most recent entries, optionally filtered by kind.
// Pass kind="" for all kinds.
func (s *Store) Recent(kind string, limit int) ([]Entry, error) {
	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.Query(
			`SELECT id, kind, severity, actor, target, details_json, created_at
			 FROM audit_log WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, kind, severity, actor, target, details_json, created_at
			 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Severity, &e.Actor, &e.Target, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ban is a persisted connection ban (IP or nick!user@host mask).
type Ban struct {
	ID        int64
	Mask      string
	Reason    string
	SetBy     string
	DurationS int // 0 = permanent
	CreatedAt int64
}

// InsertBan records a ban. durationS=0 means permanent.
func (s *Store) InsertBan(mask, reason, setBy string, durationS int) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO bans(mask, reason, set_by, duration_s) VALUES(?,?,?,?)`,
		mask, reason, setBy, durationS,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteBan removes a ban by id.
func (s *Store) DeleteBan(id int64) error {
	res, err := s.db.Exec(`DELETE FROM bans WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Bans returns all bans, most recent first.
func (s *Store) Bans() ([]Ban, error) {
	rows, err := s.db.Query(
		`SELECT id, mask, reason, set_by, duration_s, created_at FROM bans ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.Mask, &b.Reason, &b.SetBy, &b.DurationS, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IsBanned reports whether mask currently matches an unexpired ban.
func (s *Store) IsBanned(mask string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(
		`SELECT reason FROM bans WHERE mask = ? AND (duration_s = 0 OR created_at + duration_s > unixepoch()) LIMIT 1`,
		mask,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// PurgeExpiredBans removes bans past their duration. Returns the count removed.
func (s *Store) PurgeExpiredBans() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM bans WHERE duration_s > 0 AND created_at + duration_s <= unixepoch()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Optimize runs PRAGMA optimize for the SQLite query planner.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup copies the database to destPath via SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
