// Package fieldlite provides the SQLite-backed device engine for go-fieldsync
// offline-first event capture and synchronization.
//
// The engine durably queues captured events and their media attachments,
// and reconciles the queue with the remote authority in bounded batches:
// push, media upload via presigned grants, commit, pull.
// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrSyncInProgress is returned by Sync when a cycle is already running.
// Non-forced triggers treat it as a no-op.
var ErrSyncInProgress = errors.New("fieldlite: sync already in progress")

// Client manages the local SQLite database and drives sync cycles
type Client struct {
	DB        *sql.DB
	Transport Transport
	DeviceID  string

	config *Config
	hooks  Hooks
	logger *slog.Logger

	triggers chan TriggerReason

	// Orchestrator state. Transient; a restart always begins as "not syncing".
	syncing     int32 // atomic, 0=idle 1=syncing
	dirty       int32 // atomic, trigger arrived while a cycle was in flight
	lastAttempt int64 // atomic, unix nanos of last non-forced cycle start

	// openMedia resolves a media URI to its byte stream. Tests override it.
	openMedia func(uri string) (io.ReadCloser, error)
}

// Config holds configuration for the device sync engine
type Config struct {
	BatchSize         int           // Max events per push batch, e.g. 50
	MaxBandwidthBytes int64         // Estimated byte budget per batch, e.g. 4 MiB
	PullLimit         int           // Max remote events requested per pull
	MinSyncInterval   time.Duration // Throttle window for non-forced triggers
}

// Hooks carries optional lifecycle callbacks consumed by status-indicator
// observers. Nil members are skipped.
type Hooks struct {
	OnSyncStart    func()
	OnSyncSuccess  func()
	OnSyncError    func(err error)
	OnQueueChanged func(pending int)
	OnEventSynced  func(ev *Event)
	OnEventError   func(ev *Event, msg string)
}

// DefaultConfig returns a configuration with defaults sized for mobile-grade
// connectivity.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:         50,
		MaxBandwidthBytes: 4 << 20,
		PullLimit:         500,
		MinSyncInterval:   30 * time.Second,
	}
}

// NewClient creates a new device sync client. The database schema is created
// on first use and the stable device id is generated and persisted if absent.
func NewClient(db *sql.DB, transport Transport, config *Config, hooks Hooks, logger *slog.Logger) (*Client, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("config.BatchSize must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deviceID, err := EnsureDeviceID(db)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device id: %w", err)
	}

	client := &Client{
		DB:        db,
		Transport: transport,
		DeviceID:  deviceID,
		config:    config,
		hooks:     hooks,
		logger:    logger,
		triggers:  make(chan TriggerReason, 1),
		openMedia: func(uri string) (io.ReadCloser, error) { return os.Open(uri) },
	}

	return client, nil
}

// EnsureDeviceID generates and persists a device ID if not already present
func EnsureDeviceID(db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _fieldsync_device LIMIT 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _fieldsync_device (device_id, next_seq) VALUES (?, 1)
		`, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the durable store tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Device info (one row): stable device id plus the push sequence counter
		`CREATE TABLE IF NOT EXISTS _fieldsync_device (
			device_id    TEXT NOT NULL,
			next_seq     INTEGER NOT NULL DEFAULT 1,
			last_sync_at TEXT,
			PRIMARY KEY (device_id)
		)`,

		`CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id   TEXT NOT NULL UNIQUE,
			type        TEXT NOT NULL,
			actor_role  TEXT NOT NULL DEFAULT '',
			payload     TEXT,
			occurred_at TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced','error')),
			last_error  TEXT,
			server_id   TEXT,
			created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_server_id
			ON events(server_id) WHERE server_id IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS media (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			client_id  TEXT NOT NULL UNIQUE,
			type       TEXT NOT NULL,
			uri        TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			size       INTEGER NOT NULL DEFAULT 0,
			mime_type  TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','synced','error')),
			last_error TEXT,
			server_id  TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Granted, time-bounded upload slots. Deleted on successful transfer,
		// retained on failure so grants are not re-requested unless absent.
		`CREATE TABLE IF NOT EXISTS pending_uploads (
			id         TEXT PRIMARY KEY,
			event_id   INTEGER NOT NULL,
			media_id   INTEGER NOT NULL,
			upload_url TEXT NOT NULL,
			method     TEXT NOT NULL DEFAULT 'PUT',
			headers    TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Named monotonic pull watermarks
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			cursor_id  TEXT PRIMARY KEY,
			cursor     INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return nil
}

// nextSeq reads and increments the push sequence counter atomically
func (c *Client) nextSeq(ctx context.Context) (int64, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin seq tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_seq FROM _fieldsync_device WHERE device_id = ?`, c.DeviceID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read next_seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _fieldsync_device SET next_seq = next_seq + 1 WHERE device_id = ?`, c.DeviceID); err != nil {
		return 0, fmt.Errorf("failed to advance next_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit seq tx: %w", err)
	}
	return seq, nil
}
