// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

// Durable store operations. The store exclusively owns events, media,
// pending uploads and cursors; all multi-row writes run in one transaction
// so a crash mid-write leaves prior state intact.

// InsertEvent durably inserts a captured event
func (c *Client) InsertEvent(ctx context.Context, ev *Event) error {
	res, err := c.DB.ExecContext(ctx, `
		INSERT INTO events (client_id, type, actor_role, payload, occurred_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ClientID, ev.Type, ev.ActorRole, nullString(string(ev.Payload)), formatTimestamp(ev.OccurredAt), fieldsync.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	ev.Status = fieldsync.StatusPending
	return nil
}

// InsertMedia durably inserts a media attachment for an existing event
func (c *Client) InsertMedia(ctx context.Context, m *Media) error {
	res, err := c.DB.ExecContext(ctx, `
		INSERT INTO media (event_id, client_id, type, uri, checksum, size, mime_type, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.EventID, m.ClientID, m.Type, m.URI, m.Checksum, m.Size, m.MimeType, fieldsync.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to insert media: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read media id: %w", err)
	}
	m.Status = fieldsync.StatusPending
	return nil
}

const eventColumns = `id, client_id, type, actor_role, payload, occurred_at, status, last_error, server_id, created_at, updated_at`

// ListPendingEvents returns all events still awaiting sync (status pending
// or error), oldest first. Error events stay eligible so the next cycle
// retries them automatically.
func (c *Client) ListPendingEvents(ctx context.Context) ([]Event, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE status IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`, fieldsync.StatusPending, fieldsync.StatusError)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetEventByID loads a single event by its local id
func (c *Client) GetEventByID(ctx context.Context, id int64) (*Event, error) {
	row := c.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

const mediaColumns = `id, event_id, client_id, type, uri, checksum, size, mime_type, status, last_error, server_id, created_at, updated_at`

// ListMediaForEvent returns all media owned by an event regardless of media
// status. An error event retried later may reference media that already
// finished uploading.
func (c *Client) ListMediaForEvent(ctx context.Context, eventID int64) ([]Media, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+mediaColumns+` FROM media WHERE event_id = ? ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query media for event %d: %w", eventID, err)
	}
	defer rows.Close()

	var media []Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		media = append(media, m)
	}
	return media, rows.Err()
}

// GetMediaByID loads a single media row, or nil when it no longer exists
func (c *Client) GetMediaByID(ctx context.Context, id int64) (*Media, error) {
	row := c.DB.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id = ?`, id)
	m, err := scanMedia(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateEventStatus updates an event's sync status. A non-empty serverID
// overwrites; an empty one never clobbers a previously stored server id.
func (c *Client) UpdateEventStatus(ctx context.Context, id int64, status, serverID, lastError string) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE events
		SET status = ?,
		    server_id = COALESCE(NULLIF(?, ''), server_id),
		    last_error = NULLIF(?, ''),
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, serverID, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update event %d status: %w", id, err)
	}
	return nil
}

// UpdateMediaStatus updates a media row's sync status with the same coalesce
// semantics as UpdateEventStatus.
func (c *Client) UpdateMediaStatus(ctx context.Context, id int64, status, serverID, lastError string) error {
	_, err := c.DB.ExecContext(ctx, `
		UPDATE media
		SET status = ?,
		    server_id = COALESCE(NULLIF(?, ''), server_id),
		    last_error = NULLIF(?, ''),
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, serverID, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update media %d status: %w", id, err)
	}
	return nil
}

// RemoveEvent deletes an event, its media (via FK cascade) and any grants
// that referenced them, in one transaction.
func (c *Client) RemoveEvent(ctx context.Context, id int64) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin remove tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE event_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete grants for event %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete event %d: %w", id, err)
	}
	return tx.Commit()
}

// StorePendingUploads persists a set of upload grants in one transaction.
// Re-granted slots replace the previous row for the same grant id.
func (c *Client) StorePendingUploads(ctx context.Context, grants []PendingUpload) error {
	if len(grants) == 0 {
		return nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin grants tx: %w", err)
	}
	defer tx.Rollback()

	for _, g := range grants {
		headers, err := json.Marshal(g.Headers)
		if err != nil {
			return fmt.Errorf("failed to marshal grant headers: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO pending_uploads (id, event_id, media_id, upload_url, method, headers)
			VALUES (?, ?, ?, ?, ?, ?)
		`, g.ID, g.EventID, g.MediaID, g.UploadURL, g.Method, string(headers))
		if err != nil {
			return fmt.Errorf("failed to store grant %s: %w", g.ID, err)
		}
	}
	return tx.Commit()
}

// ListPendingUploads returns all retained upload grants, oldest first
func (c *Client) ListPendingUploads(ctx context.Context) ([]PendingUpload, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, event_id, media_id, upload_url, method, headers, created_at
		FROM pending_uploads
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending uploads: %w", err)
	}
	defer rows.Close()

	var grants []PendingUpload
	for rows.Next() {
		var g PendingUpload
		var headers sql.NullString
		var createdAt string
		if err := rows.Scan(&g.ID, &g.EventID, &g.MediaID, &g.UploadURL, &g.Method, &headers, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending upload: %w", err)
		}
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &g.Headers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal grant headers: %w", err)
			}
		}
		g.CreatedAt = parseTimestamp(createdAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// RemovePendingUpload deletes a grant after a successful transfer or when
// its media no longer exists.
func (c *Client) RemovePendingUpload(ctx context.Context, id string) error {
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM pending_uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove pending upload %s: %w", id, err)
	}
	return nil
}

// ReadSyncCursor returns the stored watermark for a logical stream, zero
// when no cursor has been stored yet.
func (c *Client) ReadSyncCursor(ctx context.Context, cursorID string) (int64, error) {
	var cursor int64
	err := c.DB.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE cursor_id = ?`, cursorID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor %s: %w", cursorID, err)
	}
	return cursor, nil
}

// UpdateSyncCursor advances a watermark. The cursor is replaced, never
// decremented; an out-of-order server sequence cannot regress it.
func (c *Client) UpdateSyncCursor(ctx context.Context, cursorID string, cursor int64) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (cursor_id, cursor, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(cursor_id) DO UPDATE SET
			cursor = MAX(sync_cursors.cursor, excluded.cursor),
			updated_at = excluded.updated_at
	`, cursorID, cursor)
	if err != nil {
		return fmt.Errorf("failed to update cursor %s: %w", cursorID, err)
	}
	return nil
}

// CountPending returns the number of events still awaiting sync
func (c *Client) CountPending(ctx context.Context) (int, error) {
	var count int
	err := c.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE status IN (?, ?)
	`, fieldsync.StatusPending, fieldsync.StatusError).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

// ApplyRemoteEvents materializes pulled server events as already-synced
// local rows. Applying the same page twice is a no-op: rows are keyed by the
// server id, which also serves as the remote event's client id.
func (c *Client) ApplyRemoteEvents(ctx context.Context, events []fieldsync.RemoteEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin pull tx: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, re := range events {
		// A pulled event may echo one this device pushed earlier; its row
		// already carries the server id and must not be duplicated.
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM events WHERE server_id = ?)`, re.ID).Scan(&exists)
		if err != nil {
			return applied, fmt.Errorf("failed to check remote event %s: %w", re.ID, err)
		}
		if exists {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (client_id, type, actor_role, payload, occurred_at, status, server_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				payload = excluded.payload,
				status = excluded.status,
				server_id = excluded.server_id,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		`, re.ID, re.Type, re.ActorRole, nullString(string(re.Payload)), formatTimestamp(re.OccurredAt), fieldsync.StatusSynced, re.ID)
		if err != nil {
			return applied, fmt.Errorf("failed to apply remote event %s: %w", re.ID, err)
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("failed to commit pull tx: %w", err)
	}
	return applied, nil
}

// PruneSyncedEvents removes fully finalized events: status synced, all media
// synced, no retained grants. Best-effort housekeeping after the cursor
// advance; media rows go with their event via FK cascade.
func (c *Client) PruneSyncedEvents(ctx context.Context) (int64, error) {
	res, err := c.DB.ExecContext(ctx, `
		DELETE FROM events
		WHERE status = ?
		  AND NOT EXISTS (SELECT 1 FROM media m WHERE m.event_id = events.id AND m.status != ?)
		  AND NOT EXISTS (SELECT 1 FROM pending_uploads p WHERE p.event_id = events.id)
	`, fieldsync.StatusSynced, fieldsync.StatusSynced)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced events: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var payload, lastError, serverID sql.NullString
	var occurredAt, createdAt, updatedAt string
	err := row.Scan(&ev.ID, &ev.ClientID, &ev.Type, &ev.ActorRole, &payload, &occurredAt,
		&ev.Status, &lastError, &serverID, &createdAt, &updatedAt)
	if err != nil {
		return ev, err
	}
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.LastError = lastError.String
	ev.ServerID = serverID.String
	ev.OccurredAt = parseTimestamp(occurredAt)
	ev.CreatedAt = parseTimestamp(createdAt)
	ev.UpdatedAt = parseTimestamp(updatedAt)
	return ev, nil
}

func scanMedia(row rowScanner) (Media, error) {
	var m Media
	var lastError, serverID sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.EventID, &m.ClientID, &m.Type, &m.URI, &m.Checksum, &m.Size,
		&m.MimeType, &m.Status, &lastError, &serverID, &createdAt, &updatedAt)
	if err != nil {
		return m, err
	}
	m.LastError = lastError.String
	m.ServerID = serverID.String
	m.CreatedAt = parseTimestamp(createdAt)
	m.UpdatedAt = parseTimestamp(updatedAt)
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
