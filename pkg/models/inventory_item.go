package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Inventory item type taxonomy.
const (
	ItemTypeComputeInstance  = "compute-instance"
	ItemTypeBucket           = "bucket"
	ItemTypeProject          = "project"
	ItemTypeMonitor          = "monitor"
	ItemTypeAnalyticsProfile = "analytics-profile"
	ItemTypeCustom           = "custom"
)

// Item visibility values.
const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
)

// InventoryItem is the local mirror of one discrete external resource.
// (ConnectionID, ExternalID) is unique among non-hard-deleted items; a
// soft-deleted row is a tombstone kept until swept or superseded by the
// same external id reappearing.
type InventoryItem struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	ExternalID   string    `json:"external_id"`
	Type         string    `json:"type"`
	Alias        string    `json:"alias"`
	Description  string    `json:"description"`
	Hashtags     []string  `json:"hashtags"`
	Visibility   string    `json:"visibility"`
	Deleted      bool      `json:"deleted"`

	// MetadataRef points at the raw external payload stored outside the
	// engine (object store key). Opaque here.
	MetadataRef string `json:"metadata_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemFields is the provider-mapped, externally meaningful portion of an
// item. Applying it to an item reports whether any notifying field
// actually changed, so the notification decision is computed once here
// rather than re-derived by every caller.
type ItemFields struct {
	Type        string
	Alias       string
	Description string
	Hashtags    []string
	Visibility  string
	MetadataRef string
}

// Apply copies the mapped fields onto the item and returns true if alias,
// description, hashtags or visibility changed value. Type and MetadataRef
// churn is silent: it never justifies a downstream notification.
func (f ItemFields) Apply(item *InventoryItem) (changed bool) {
	if item.Alias != f.Alias || item.Description != f.Description || item.Visibility != f.Visibility {
		changed = true
	}
	if !equalTagSets(item.Hashtags, f.Hashtags) {
		changed = true
	}
	item.Type = f.Type
	item.Alias = f.Alias
	item.Description = f.Description
	item.Hashtags = NormalizeHashtags(f.Hashtags)
	item.Visibility = f.Visibility
	item.MetadataRef = f.MetadataRef
	return changed
}

// NormalizeHashtags sorts tags and drops duplicates and empty strings, so
// hashtag comparison is order-independent.
func NormalizeHashtags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalTagSets(a, b []string) bool {
	na, nb := NormalizeHashtags(a), NormalizeHashtags(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
