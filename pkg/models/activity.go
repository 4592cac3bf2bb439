package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityRecord is one external activity/event observed during a poll.
// Records are transient: built, handed to the notification sink, and
// discarded. ItemID is nil for connection-level activity (feed/social).
type ActivityRecord struct {
	ConnectionID uuid.UUID  `json:"connection_id"`
	ItemID       *uuid.UUID `json:"item_id,omitempty"`
	PublishedAt  time.Time  `json:"published_at"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Hashtags     []string   `json:"hashtags"`
}

// ReconcileResult reports one reconciliation pass's outcome so the caller
// can notify downstream once, in pass order.
type ReconcileResult struct {
	Created     []*InventoryItem
	Updated     []*InventoryItem
	SoftDeleted []*InventoryItem

	// SilentUpdates holds re-sighted items whose persisted mutation changed
	// no externally meaningful field. Persisted but never notified.
	SilentUpdates []*InventoryItem

	// SkippedMalformed counts snapshot entries dropped for undecodable
	// payloads. The pass itself still completes.
	SkippedMalformed int
}

// PollResult reports one activity poll pass.
type PollResult struct {
	Emitted   int
	Dropped   int
	Watermark *time.Time
}
