package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/perch-hq/perch-engine/pkg/models"
)

// RawResource is one externally listed resource as returned by a provider's
// one-shot enumeration. Payload is the provider's wire shape, decoded once
// by the provider's strategy into typed fields.
type RawResource struct {
	ExternalID string
	Payload    json.RawMessage
}

// RawActivity is one external activity entry. Kind is the provider's
// sub-type discriminator ("commit", "state-change", ...); strategies that
// don't recognize a Kind drop the entry with a diagnostic rather than
// failing the poll.
type RawActivity struct {
	ExternalID  string
	Kind        string
	PublishedAt time.Time
	Payload     json.RawMessage
}

// Client is a live connection to one external provider account.
// Implementations own any underlying network resources and release them in
// Cleanup. A Client is obtained through the ClientCache and must tolerate
// concurrent use from reconciliation and polling passes.
type Client interface {
	// ListResources enumerates all resources visible to the connection.
	// The client handles provider-side pagination internally; a partial
	// page failure fails the whole call.
	ListResources(ctx context.Context) ([]RawResource, error)

	// ListActivitySince returns activity published at or after since.
	// since == nil means from the beginning. Providers are not trusted to
	// filter correctly; callers re-filter defensively. On error the
	// partial results retrieved so far may still be returned.
	ListActivitySince(ctx context.Context, since *time.Time) ([]RawActivity, error)

	// Cleanup releases underlying resources. Idempotent, never panics.
	Cleanup()
}

// ActivityContent is the rendered, provider-independent form of one
// activity entry.
type ActivityContent struct {
	Title    string
	Content  string
	Hashtags []string
}

// Strategy maps one provider's wire shapes onto the engine's inventory and
// activity model. Implementations are pure: no network, no state.
type Strategy interface {
	// MapInventoryFields decodes a resource payload into item fields.
	// Malformed payloads return *apperrors.MalformedPayloadError; the
	// reconciler skips the entry and carries on.
	MapInventoryFields(res RawResource) (models.ItemFields, error)

	// MapActivity renders an activity entry. ok=false means the sub-type
	// is recognized as not worth surfacing (dropped silently); an
	// unrecognized sub-type returns an error so the poller can route it to
	// the diagnostic side-channel.
	MapActivity(act RawActivity) (content ActivityContent, ok bool, err error)

	// ResolveTarget extracts the inventory external id an activity entry
	// is attributed to. connectionLevel=true attributes the entry to the
	// connection itself (feed/social updates) instead of an item.
	ResolveTarget(act RawActivity) (externalID string, connectionLevel bool)
}
