package providers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/models"
)

// Info describes a registered provider for discovery surfaces.
type Info struct {
	Provider    string `json:"provider"`     // "cloud", "codehost", "monitor"
	DisplayName string `json:"display_name"` // "Cloud Compute & Storage"
	Description string `json:"description"`
}

// ClientFactory builds a live client for a connection. The credentials
// blob arrives already decrypted.
type ClientFactory func(ctx context.Context, conn *models.Connection, logger *zap.Logger) (Client, error)

// Registration bundles everything the engine needs to drive one provider.
type Registration struct {
	Info      Info
	NewClient ClientFactory
	Strategy  Strategy

	// AdvanceOnFailure moves the activity watermark to the poll start time
	// even when the fetch fails outright, trading a lost outage window for
	// guaranteed forward progress. Off for every provider that mirrors
	// durable resources; feed-style providers opt in.
	AdvanceOnFailure bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Registration)
)

// Register is called by each provider package's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Provider] = reg
}

// Get returns the registration for a provider identity.
func Get(provider string) (Registration, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[provider]
	return reg, ok
}

// Registered returns info for all registered providers.
func Registered() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Info, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	return result
}

// IsRegistered checks if a provider identity is available.
func IsRegistered(provider string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[provider]
	return ok
}
