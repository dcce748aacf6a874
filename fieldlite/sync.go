// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

// TriggerReason identifies the signal source that requested a sync cycle
type TriggerReason string

const (
	TriggerConnectivity TriggerReason = "connectivity"
	TriggerForeground   TriggerReason = "foreground"
	TriggerCapture      TriggerReason = "capture"
	TriggerPeriodic     TriggerReason = "periodic"
	TriggerManual       TriggerReason = "manual"
)

// cursorEvents is the logical stream name for the remote event watermark
const cursorEvents = "events"

// CaptureEvent durably inserts an event and its media in one transaction,
// then requests a sync without blocking on network completion. The clientId
// assigned here is the idempotency key; it never changes across retries.
func (c *Client) CaptureEvent(ctx context.Context, input EventInput, media []MediaInput) (*Event, []Media, error) {
	if input.Type == "" {
		return nil, nil, fmt.Errorf("event type cannot be empty")
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	ev := &Event{
		ClientID:   uuid.New().String(),
		Type:       input.Type,
		ActorRole:  input.ActorRole,
		Payload:    input.Payload,
		OccurredAt: occurredAt,
		Status:     fieldsync.StatusPending,
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin capture tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (client_id, type, actor_role, payload, occurred_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ClientID, ev.Type, ev.ActorRole, nullString(string(ev.Payload)), formatTimestamp(ev.OccurredAt), ev.Status)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert captured event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return nil, nil, fmt.Errorf("failed to read event id: %w", err)
	}

	inserted := make([]Media, 0, len(media))
	for _, in := range media {
		mimeType := in.MimeType
		if mimeType == "" {
			mimeType = sniffMimeType(in.URI)
		}
		m := Media{
			EventID:  ev.ID,
			ClientID: uuid.New().String(),
			Type:     in.Type,
			URI:      in.URI,
			Checksum: in.Checksum,
			Size:     in.Size,
			MimeType: mimeType,
			Status:   fieldsync.StatusPending,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO media (event_id, client_id, type, uri, checksum, size, mime_type, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.EventID, m.ClientID, m.Type, m.URI, m.Checksum, m.Size, m.MimeType, m.Status)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to insert captured media: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return nil, nil, fmt.Errorf("failed to read media id: %w", err)
		}
		inserted = append(inserted, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit capture: %w", err)
	}

	c.emitQueueChanged(ctx)
	c.RequestSync(TriggerCapture)
	return ev, inserted, nil
}

// RequestSync publishes a trigger without blocking the caller. A trigger
// received while a cycle is in flight is coalesced into the dirty flag so
// exactly one follow-up cycle runs when the current one completes; it is
// never silently dropped.
func (c *Client) RequestSync(reason TriggerReason) {
	if atomic.LoadInt32(&c.syncing) == 1 {
		atomic.StoreInt32(&c.dirty, 1)
		return
	}
	select {
	case c.triggers <- reason:
	default:
		atomic.StoreInt32(&c.dirty, 1)
	}
}

// Run consumes triggers until the context is cancelled. A periodic tick
// gives throttled opportunities to drain work queued while offline.
func (c *Client) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.config.MinSyncInterval > 0 {
		ticker := time.NewTicker(c.config.MinSyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-c.triggers:
			if err := c.SyncOnce(ctx, reason == TriggerManual); err != nil && err != ErrSyncInProgress {
				c.logger.Warn("Sync cycle failed", "reason", reason, "error", err)
			}
		case <-tick:
			if err := c.SyncOnce(ctx, false); err != nil && err != ErrSyncInProgress {
				c.logger.Warn("Periodic sync failed", "error", err)
			}
		}
	}
}

// Sync runs a forced cycle synchronously, bypassing the throttle
func (c *Client) Sync(ctx context.Context) error {
	return c.SyncOnce(ctx, true)
}

// SyncOnce attempts one sync cycle. Single-flight: a trigger received while
// already syncing is not queued, it only marks the dirty flag and returns
// ErrSyncInProgress. Non-forced attempts inside the throttle window are
// ignored. After a cycle completes, the dirty flag forces exactly one more.
func (c *Client) SyncOnce(ctx context.Context, forced bool) error {
	if !atomic.CompareAndSwapInt32(&c.syncing, 0, 1) {
		atomic.StoreInt32(&c.dirty, 1)
		return ErrSyncInProgress
	}

	if !forced {
		last := atomic.LoadInt64(&c.lastAttempt)
		if last > 0 && time.Since(time.Unix(0, last)) < c.config.MinSyncInterval {
			atomic.StoreInt32(&c.syncing, 0)
			return nil
		}
	}

	var err error
	for {
		atomic.StoreInt64(&c.lastAttempt, time.Now().UnixNano())
		err = c.runCycle(ctx)

		// Triggers that arrived mid-cycle were coalesced into the dirty
		// flag; honor them with one immediate follow-up.
		if !atomic.CompareAndSwapInt32(&c.dirty, 1, 0) {
			break
		}
	}
	atomic.StoreInt32(&c.syncing, 0)
	return err
}

// runCycle drives one full cycle: build queue, batch, per-batch media
// prepare + upload + push, one commit, pull, cursor advance, prune.
// Partial progress is kept on failure; per-item statuses already written
// are never rolled back.
func (c *Client) runCycle(ctx context.Context) (err error) {
	c.emitSyncStart()
	defer func() {
		if err != nil {
			c.emitSyncError(err)
		} else {
			c.emitSyncSuccess()
		}
		c.emitQueueChanged(ctx)
	}()

	queue, err := c.BuildQueue(ctx)
	if err != nil {
		return err
	}

	var commitEvents, commitMedia []string
	var lastServerSeq int64

	batches := ChunkQueue(queue, c.config.BatchSize, c.config.MaxBandwidthBytes)
	if len(batches) == 0 {
		// Empty queue. Retained grants still get a pass so a media error
		// behind an already-synced event can retry.
		ids, uerr := c.processPendingUploads(ctx)
		if uerr != nil {
			return uerr
		}
		commitMedia = append(commitMedia, ids...)
	}

	for _, batch := range batches {
		if err = c.prepareMediaForBatch(ctx, batch); err != nil {
			return err
		}

		ids, uerr := c.processPendingUploads(ctx)
		if uerr != nil {
			return uerr
		}
		commitMedia = append(commitMedia, ids...)

		resp, perr := c.pushBatch(ctx, batch)
		if perr != nil {
			return perr
		}
		if resp.ServerSeq > lastServerSeq {
			lastServerSeq = resp.ServerSeq
		}

		evIDs, aerr := c.applyPushResults(ctx, batch, resp)
		if aerr != nil {
			return aerr
		}
		commitEvents = append(commitEvents, evIDs...)

		// Grants returned by push cover media the server has not received;
		// they feed the next media-upload pass.
		if err = c.storeGrants(ctx, resp.MediaPresigned); err != nil {
			return err
		}
	}

	if len(commitEvents) > 0 || len(commitMedia) > 0 {
		if _, err = c.Transport.Commit(ctx, &fieldsync.CommitRequest{
			Events: commitEvents,
			Media:  commitMedia,
		}); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
	}

	if lastServerSeq > 0 {
		if err = c.UpdateSyncCursor(ctx, cursorEvents, lastServerSeq); err != nil {
			return err
		}
	}

	if err = c.pullRemote(ctx); err != nil {
		return err
	}

	// Cursor advance and prune are sequential, not atomic. Prune failures
	// only cost disk space, never correctness.
	if _, perr := c.PruneSyncedEvents(ctx); perr != nil {
		c.logger.Warn("Failed to prune synced events", "error", perr)
	}

	if _, derr := c.DB.ExecContext(ctx, `
		UPDATE _fieldsync_device SET last_sync_at = strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE device_id = ?
	`, c.DeviceID); derr != nil {
		c.logger.Warn("Failed to record sync time", "error", derr)
	}

	return nil
}

// pushBatch sends one batch of events with the client-incrementing sequence
// number and the stable device identifier.
func (c *Client) pushBatch(ctx context.Context, batch []QueueItem) (*fieldsync.PushResponse, error) {
	seq, err := c.nextSeq(ctx)
	if err != nil {
		return nil, err
	}

	req := &fieldsync.PushRequest{
		DeviceID: c.DeviceID,
		Seq:      seq,
		Events:   make([]fieldsync.EventPush, 0, len(batch)),
	}
	for _, item := range batch {
		push := fieldsync.EventPush{
			ClientID:   item.Event.ClientID,
			Type:       item.Event.Type,
			ActorRole:  item.Event.ActorRole,
			OccurredAt: item.Event.OccurredAt,
			Payload:    item.Event.Payload,
		}
		for _, m := range item.Media {
			push.Media = append(push.Media, fieldsync.MediaDescriptor{
				ClientID: m.ClientID,
				Type:     m.Type,
				Checksum: m.Checksum,
				Size:     m.Size,
				MimeType: m.MimeType,
			})
		}
		req.Events = append(req.Events, push)
	}

	resp, err := c.Transport.Push(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}
	return resp, nil
}

// applyPushResults records each per-event outcome. Conflicts and rejections
// mark the event error and continue; they never abort the batch or cycle.
// Returns server ids of events accepted by this push.
func (c *Client) applyPushResults(ctx context.Context, batch []QueueItem, resp *fieldsync.PushResponse) ([]string, error) {
	byClientID := make(map[string]*Event, len(batch))
	for i := range batch {
		byClientID[batch[i].Event.ClientID] = &batch[i].Event
	}

	var accepted []string
	for _, result := range resp.Results {
		ev, ok := byClientID[result.ClientID]
		if !ok {
			c.logger.Warn("Push result for unknown client id", "client_id", result.ClientID)
			continue
		}

		switch result.Status {
		case fieldsync.StSuccess:
			if err := c.UpdateEventStatus(ctx, ev.ID, fieldsync.StatusSynced, result.ServerID, ""); err != nil {
				return accepted, err
			}
			ev.Status = fieldsync.StatusSynced
			ev.ServerID = result.ServerID
			accepted = append(accepted, result.ServerID)
			c.emitEventSynced(ev)

		case fieldsync.StConflict, fieldsync.StRejected:
			msg := result.Error
			if msg == "" {
				msg = result.Status
			}
			if err := c.UpdateEventStatus(ctx, ev.ID, fieldsync.StatusError, "", msg); err != nil {
				return accepted, err
			}
			ev.Status = fieldsync.StatusError
			ev.LastError = msg
			c.emitEventError(ev, msg)

		default:
			c.logger.Warn("Unknown push result status",
				"client_id", result.ClientID, "status", result.Status)
		}
	}
	return accepted, nil
}

// pullRemote fetches remote-originated events since the stored cursor and
// materializes them as synced local rows.
func (c *Client) pullRemote(ctx context.Context) error {
	cursor, err := c.ReadSyncCursor(ctx, cursorEvents)
	if err != nil {
		return err
	}

	resp, err := c.Transport.Pull(ctx, cursor, c.config.PullLimit)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	if _, err := c.ApplyRemoteEvents(ctx, resp.Events); err != nil {
		return err
	}

	if resp.ServerSeq > cursor {
		if err := c.UpdateSyncCursor(ctx, cursorEvents, resp.ServerSeq); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) emitSyncStart() {
	if c.hooks.OnSyncStart != nil {
		c.hooks.OnSyncStart()
	}
}

func (c *Client) emitSyncSuccess() {
	if c.hooks.OnSyncSuccess != nil {
		c.hooks.OnSyncSuccess()
	}
}

func (c *Client) emitSyncError(err error) {
	if c.hooks.OnSyncError != nil {
		c.hooks.OnSyncError(err)
	}
}

func (c *Client) emitQueueChanged(ctx context.Context) {
	if c.hooks.OnQueueChanged == nil {
		return
	}
	pending, err := c.CountPending(ctx)
	if err != nil {
		c.logger.Warn("Failed to count pending events", "error", err)
		return
	}
	c.hooks.OnQueueChanged(pending)
}

func (c *Client) emitEventSynced(ev *Event) {
	if c.hooks.OnEventSynced != nil {
		c.hooks.OnEventSynced(ev)
	}
}

func (c *Client) emitEventError(ev *Event, msg string) {
	if c.hooks.OnEventError != nil {
		c.hooks.OnEventError(ev, msg)
	}
}
