// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// Wire models for the sync protocol. Transport-agnostic request/response
// shapes; the reference transport serializes them as JSON over HTTP.

// PushRequest represents one batch of captured events uploaded by a device.
// Seq is a client-incrementing sequence number; DeviceID is the stable
// device identifier persisted on first run.
type PushRequest struct {
	DeviceID string      `json:"device_id"`
	Seq      int64       `json:"seq"`
	Events   []EventPush `json:"events"`
}

// EventPush represents a single captured event in a push request.
// ClientID is the caller-generated idempotency key; it never changes across
// retries of the same logical event, so the server can deduplicate.
type EventPush struct {
	ClientID   string            `json:"client_id"`
	Type       string            `json:"type"`
	ActorRole  string            `json:"actor_role"`
	OccurredAt time.Time         `json:"occurred_at"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Media      []MediaDescriptor `json:"media,omitempty"`
}

// MediaDescriptor describes one media attachment without its bytes.
// Used both inside push requests and in prepare-media requests.
type MediaDescriptor struct {
	ClientID string `json:"client_id"`
	Type     string `json:"type"` // photo, video, scan
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// PushResponse represents the server response to a push request
type PushResponse struct {
	ServerSeq int64        `json:"server_seq"` // Current max server sequence
	Results   []PushResult `json:"results"`    // Per-event results, same order as request
	// Upload grants for media the server has not received yet
	MediaPresigned []UploadGrant `json:"media_presigned,omitempty"`
}

// PushResult represents the result of processing a single pushed event
type PushResult struct {
	ClientID string `json:"client_id"`           // Echo back the client's idempotency key
	Status   string `json:"status"`              // "success", "conflict", "rejected"
	ServerID string `json:"server_id,omitempty"` // Server-assigned id if accepted
	Error    string `json:"error,omitempty"`     // Details for conflict/rejected
}

// UploadGrant is a time-bounded authorization to transfer one media's bytes.
// ID doubles as the media's server id once the transfer completes.
type UploadGrant struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"client_id"` // Media client id the grant covers
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// CommitRequest finalizes server-side ids the device has locally marked
// synced. Idempotent; safe to retry.
type CommitRequest struct {
	Events []string `json:"events"`
	Media  []string `json:"media"`
}

// CommitResponse acknowledges a commit request
type CommitResponse struct {
	Accepted bool `json:"accepted"`
}

// PullResponse carries remote-originated events since the requested cursor
type PullResponse struct {
	ServerSeq int64         `json:"server_seq"`
	Events    []RemoteEvent `json:"events"`
}

// RemoteEvent is an authoritative event from the server. It maps to a local
// event with status synced and server id already set.
type RemoteEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ActorRole  string          `json:"actor_role"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// PrepareMediaRequest asks for upload grants covering files not already
// granted by a previous push response.
type PrepareMediaRequest struct {
	Files []MediaDescriptor `json:"files"`
}

// PrepareMediaResponse carries the granted upload slots
type PrepareMediaResponse struct {
	Uploads []UploadGrant `json:"uploads"`
}

// ErrorResponse represents an error response from the server
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
