// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Status constants for per-event push results
const (
	StSuccess  = "success"
	StConflict = "conflict"
	StRejected = "rejected"
)

// Local record status constants shared by events and media
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
	StatusError   = "error"
)

// Media type constants
const (
	MediaPhoto = "photo"
	MediaVideo = "video"
	MediaScan  = "scan"
)
