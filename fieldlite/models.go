// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"encoding/json"
	"time"
)

// Timestamp layout written by the store, matching SQLite's
// strftime('%Y-%m-%dT%H:%M:%fZ','now') defaults.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Event is a captured fact awaiting or having completed synchronization
type Event struct {
	ID         int64           `json:"id"`
	ClientID   string          `json:"client_id"` // Idempotency key, immutable across retries
	Type       string          `json:"type"`
	ActorRole  string          `json:"actor_role"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Status     string          `json:"status"` // pending, synced, error
	LastError  string          `json:"last_error,omitempty"`
	ServerID   string          `json:"server_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Media is a binary attachment owned by exactly one event
type Media struct {
	ID        int64     `json:"id"`
	EventID   int64     `json:"event_id"`
	ClientID  string    `json:"client_id"`
	Type      string    `json:"type"` // photo, video, scan
	URI       string    `json:"uri"`  // Local file reference
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	Status    string    `json:"status"` // pending, synced, error
	LastError string    `json:"last_error,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingUpload is a granted, time-bounded permission to transfer one
// media's bytes. Created when the server grants a slot, deleted on
// successful transfer, retained otherwise for a later retry.
type PendingUpload struct {
	ID        string            `json:"id"` // Grant id from the server
	EventID   int64             `json:"event_id"`
	MediaID   int64             `json:"media_id"`
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SyncCursor is a named monotonically increasing pull watermark
type SyncCursor struct {
	CursorID  string    `json:"cursor_id"`
	Cursor    int64     `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueItem pairs an unsent event with all of its media
type QueueItem struct {
	Event Event
	Media []Media
}

// EventInput describes a new capture handed in by the app layer
type EventInput struct {
	Type       string
	ActorRole  string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// MediaInput describes an attachment accompanying a capture
type MediaInput struct {
	Type     string
	URI      string
	Checksum string
	Size     int64
	MimeType string // Sniffed from the file when empty
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
