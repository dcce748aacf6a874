// Copyright 2025 Fieldtally Authors
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"context"
	"fmt"
)

// BuildQueue returns the ordered sync queue: every event with status pending
// or error, oldest first, paired with all of its media regardless of media
// status. An error event retried later may reference media that already
// finished, and the push descriptors must still cover them.
func (c *Client) BuildQueue(ctx context.Context) ([]QueueItem, error) {
	events, err := c.ListPendingEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build queue: %w", err)
	}

	queue := make([]QueueItem, 0, len(events))
	for _, ev := range events {
		media, err := c.ListMediaForEvent(ctx, ev.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load media for event %d: %w", ev.ID, err)
		}
		queue = append(queue, QueueItem{Event: ev, Media: media})
	}
	return queue, nil
}

// ChunkQueue partitions the queue into bounded batches, preserving order.
// Greedy bin-pack: a new batch starts when adding the next item would exceed
// either the item-count limit or the cumulative estimated byte budget. A
// single oversized item still forms its own batch so large captures are
// never dropped or deferred forever.
func ChunkQueue(queue []QueueItem, batchSize int, maxBandwidthBytes int64) [][]QueueItem {
	if len(queue) == 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = len(queue)
	}

	var batches [][]QueueItem
	var current []QueueItem
	var currentBytes int64

	for _, item := range queue {
		size := estimateItemBytes(item)
		overCount := len(current)+1 > batchSize
		overBytes := maxBandwidthBytes > 0 && currentBytes+size > maxBandwidthBytes
		if len(current) > 0 && (overCount || overBytes) {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, item)
		currentBytes += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// estimateItemBytes approximates an item's network cost: payload size plus
// the sum of its media sizes.
func estimateItemBytes(item QueueItem) int64 {
	size := int64(len(item.Event.Payload))
	for _, m := range item.Media {
		size += m.Size
	}
	return size
}
