// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fieldtally/go-fieldsync/fieldsync"
)

// prepareMediaForBatch requests upload grants for every not-yet-synced media
// in the batch that does not already hold one. Grants are only re-requested
// when absent; a retained grant from a failed transfer is reused as-is.
func (c *Client) prepareMediaForBatch(ctx context.Context, batch []QueueItem) error {
	granted, err := c.ListPendingUploads(ctx)
	if err != nil {
		return err
	}
	grantedMedia := make(map[int64]bool, len(granted))
	for _, g := range granted {
		grantedMedia[g.MediaID] = true
	}

	var files []fieldsync.MediaDescriptor
	byClientID := make(map[string]Media)
	for _, item := range batch {
		for _, m := range item.Media {
			if m.Status == fieldsync.StatusSynced || grantedMedia[m.ID] {
				continue
			}
			files = append(files, fieldsync.MediaDescriptor{
				ClientID: m.ClientID,
				Type:     m.Type,
				Checksum: m.Checksum,
				Size:     m.Size,
				MimeType: m.MimeType,
			})
			byClientID[m.ClientID] = m
		}
	}
	if len(files) == 0 {
		return nil
	}

	resp, err := c.Transport.PrepareMedia(ctx, &fieldsync.PrepareMediaRequest{Files: files})
	if err != nil {
		return fmt.Errorf("failed to prepare media grants: %w", err)
	}

	return c.storeGrants(ctx, resp.Uploads)
}

// storeGrants persists server-issued grants, resolving each grant's media by
// its client id. Grants for unknown media are dropped with a warning; the
// next reconciliation would discard them anyway.
func (c *Client) storeGrants(ctx context.Context, uploads []fieldsync.UploadGrant) error {
	if len(uploads) == 0 {
		return nil
	}
	grants := make([]PendingUpload, 0, len(uploads))
	for _, u := range uploads {
		var mediaID, eventID int64
		err := c.DB.QueryRowContext(ctx, `SELECT id, event_id FROM media WHERE client_id = ?`, u.ClientID).Scan(&mediaID, &eventID)
		if err != nil {
			c.logger.Warn("Dropping grant for unknown media", "grant", u.ID, "media_client_id", u.ClientID)
			continue
		}
		grants = append(grants, PendingUpload{
			ID:        u.ID,
			EventID:   eventID,
			MediaID:   mediaID,
			UploadURL: u.UploadURL,
			Method:    u.Method,
			Headers:   u.Headers,
		})
	}
	return c.StorePendingUploads(ctx, grants)
}

// processPendingUploads walks every retained grant and attempts the binary
// transfer. Success marks the media synced (server id = grant id) and deletes
// the grant; failure marks the media error and retains the grant for a later
// retry. Failures never abort the pass and never touch the owning event.
// Returns the grant ids of media synced during this pass.
func (c *Client) processPendingUploads(ctx context.Context) ([]string, error) {
	grants, err := c.ListPendingUploads(ctx)
	if err != nil {
		return nil, err
	}

	var synced []string
	for i := range grants {
		grant := grants[i]
		media, err := c.GetMediaByID(ctx, grant.MediaID)
		if err != nil {
			return synced, fmt.Errorf("failed to resolve media for grant %s: %w", grant.ID, err)
		}
		if media == nil {
			// Owning media removed; the grant is stale
			if err := c.RemovePendingUpload(ctx, grant.ID); err != nil {
				return synced, err
			}
			c.logger.Debug("Discarded orphaned upload grant", "grant", grant.ID)
			continue
		}
		if media.Status == fieldsync.StatusSynced {
			if err := c.RemovePendingUpload(ctx, grant.ID); err != nil {
				return synced, err
			}
			continue
		}

		if err := c.transferMedia(ctx, &grant, media); err != nil {
			c.logger.Warn("Media upload failed; grant retained",
				"grant", grant.ID, "media", media.ID, "error", err)
			if uerr := c.UpdateMediaStatus(ctx, media.ID, fieldsync.StatusError, "", err.Error()); uerr != nil {
				return synced, uerr
			}
			continue
		}

		if err := c.UpdateMediaStatus(ctx, media.ID, fieldsync.StatusSynced, grant.ID, ""); err != nil {
			return synced, err
		}
		if err := c.RemovePendingUpload(ctx, grant.ID); err != nil {
			return synced, err
		}
		synced = append(synced, grant.ID)
	}
	return synced, nil
}

// transferMedia streams the media file to the granted location
func (c *Client) transferMedia(ctx context.Context, grant *PendingUpload, media *Media) error {
	body, err := c.openMedia(media.URI)
	if err != nil {
		return fmt.Errorf("failed to open media %s: %w", media.URI, err)
	}
	defer body.Close()

	wire := &fieldsync.UploadGrant{
		ID:        grant.ID,
		UploadURL: grant.UploadURL,
		Method:    grant.Method,
		Headers:   grant.Headers,
	}
	return c.Transport.UploadMedia(ctx, wire, body, media.Size)
}

// sniffMimeType detects a media file's content type when the caller did not
// supply one. Unreadable files fall back to a generic type; the capture
// itself must not fail over a sniffing problem.
func sniffMimeType(uri string) string {
	mtype, err := mimetype.DetectFile(uri)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}
