// Package db is the durable local store for daily-log records and user
// settings. Records stay here, flagged unsynced, until the reconciler has a
// confirmed acceptance from the remote endpoint.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chmdznr/offline-daylog/pkg/models"
)

// SchemaVersion is the layout version recorded in PRAGMA user_version.
const SchemaVersion = 1

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var (
	// ErrStorageUnavailable means the store could not be opened at all.
	ErrStorageUnavailable = errors.New("offline data unavailable")
	// ErrWrite means a single write failed; the record may not exist.
	ErrWrite = errors.New("write failed")
	// ErrNotFound is returned by lookups of absent keys.
	ErrNotFound = errors.New("not found")
)

// migrations[i] upgrades the schema from version i to i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS daily_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		fields TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL,
		client_key TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_daily_logs_date ON daily_logs(date);
	CREATE INDEX IF NOT EXISTS idx_daily_logs_synced ON daily_logs(synced);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}

// DB represents a database connection
type DB struct {
	*sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time
	online func() bool
}

// Option customises a DB at open time.
type Option func(*DB)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithOptimisticSync marks records synced at creation whenever online
// reports true. Off by default: only the reconciler sets synced.
func WithOptimisticSync(online func() bool) Option {
	return func(db *DB) { db.online = online }
}

// Open opens (creating if needed) the store at path and brings the schema up
// to SchemaVersion. It is safe to call on an existing store.
func Open(path string, opts ...Option) (*DB, error) {
	db := &DB{
		path:   path,
		logger: log.New(io.Discard, "", 0),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.DB = sqlDB

	if err := db.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	db.logger.Printf("Opened store %s (schema v%d)", path, SchemaVersion)
	return db, nil
}

// Path returns the file backing the store.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return tx.Commit()
}

// SaveRecord stores a new record and returns its id. The record starts
// unsynced unless optimistic sync is enabled and the client is online.
func (db *DB) SaveRecord(ctx context.Context, date string, fields map[string]string) (int64, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	synced := db.online != nil && db.online()
	res, err := db.ExecContext(ctx, `
		INSERT INTO daily_logs (date, fields, synced, timestamp, client_key)
		VALUES (?, ?, ?, ?, ?)
	`, date, string(fieldsJSON), synced, db.now().UTC().Format(timeLayout), uuid.NewString())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return id, nil
}

// GetUnsyncedRecords returns all records awaiting confirmation, oldest first.
func (db *DB) GetUnsyncedRecords(ctx context.Context) ([]models.DailyLog, error) {
	return db.queryRecords(ctx, `
		SELECT id, date, fields, synced, timestamp, client_key
		FROM daily_logs INDEXED BY idx_daily_logs_synced
		WHERE synced = 0
		ORDER BY id
	`)
}

// ListRecords returns every record for the given date.
func (db *DB) ListRecords(ctx context.Context, date string) ([]models.DailyLog, error) {
	return db.queryRecords(ctx, `
		SELECT id, date, fields, synced, timestamp, client_key
		FROM daily_logs
		WHERE date = ?
		ORDER BY id
	`, date)
}

// GetRecord loads a single record by id.
func (db *DB) GetRecord(ctx context.Context, id int64) (*models.DailyLog, error) {
	records, err := db.queryRecords(ctx, `
		SELECT id, date, fields, synced, timestamp, client_key
		FROM daily_logs WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("record %d: %w", id, ErrNotFound)
	}
	return &records[0], nil
}

func (db *DB) queryRecords(ctx context.Context, query string, args ...any) ([]models.DailyLog, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.DailyLog
	for rows.Next() {
		var (
			rec        models.DailyLog
			fieldsJSON string
			ts         string
		)
		if err := rows.Scan(&rec.ID, &rec.Date, &fieldsJSON, &rec.Synced, &ts, &rec.ClientKey); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("record %d has corrupt fields: %w", rec.ID, err)
		}
		if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("record %d has corrupt timestamp: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkSynced flags a record as confirmed by the remote endpoint. A missing
// id is treated as already consistent and returns nil.
func (db *DB) MarkSynced(ctx context.Context, id int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer tx.Rollback()

	var synced bool
	err = tx.QueryRowContext(ctx, `SELECT synced FROM daily_logs WHERE id = ?`, id).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		db.logger.Printf("Record %d no longer exists, nothing to mark", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if synced {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE daily_logs SET synced = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// GetSetting returns the value stored under key.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	return value, err
}

// SetSetting writes key, replacing any previous value.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// ListSettings returns all settings ordered by key.
func (db *DB) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.Key, &s.Value); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// GetStats returns statistics about the local queue
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	var (
		stats  models.Stats
		oldest sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total_records,
			COUNT(CASE WHEN synced = 1 THEN 1 END) as synced_records,
			COUNT(CASE WHEN synced = 0 THEN 1 END) as pending_records,
			MIN(CASE WHEN synced = 0 THEN timestamp END) as oldest_pending
		FROM daily_logs
	`).Scan(
		&stats.TotalRecords,
		&stats.SyncedRecords,
		&stats.PendingRecords,
		&oldest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if oldest.Valid {
		if stats.OldestPending, err = time.Parse(timeLayout, oldest.String); err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
	}
	return &stats, nil
}
