package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identity constants. Each value has a strategy registered in
// pkg/providers; connections referencing an unregistered provider are
// rejected before any work is attempted.
const (
	ProviderCloud     = "cloud"
	ProviderCodeHost  = "codehost"
	ProviderAnalytics = "analytics"
	ProviderMonitor   = "monitor"
	ProviderFeed      = "feed"
)

// Connection represents a tenant's configured link to one external
// account/service instance. Credentials is the decrypted opaque blob the
// provider client consumes; it is encrypted at rest by the service layer
// and never interpreted by the engine itself.
type Connection struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Name        string    `json:"name"`
	Provider    string    `json:"provider"`
	Credentials string    `json:"-"`

	// LastActivityPollAt is the activity watermark: everything published
	// strictly before it has already been processed. Nil means the
	// connection has never been polled. Only moves forward.
	LastActivityPollAt *time.Time `json:"last_activity_poll_at"`

	Broken       bool   `json:"broken"`
	LastError    string `json:"last_error,omitempty"`
	FailureCount int    `json:"failure_count"`
	Disabled     bool   `json:"disabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pollable reports whether schedulers should run passes for this connection.
func (c *Connection) Pollable() bool {
	return !c.Disabled && !c.Broken
}
