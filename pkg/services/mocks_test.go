package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

// ============================================================================
// In-memory repositories
// ============================================================================

type mockInventoryRepo struct {
	mu    sync.Mutex
	items []*models.InventoryItem
}

func newMockInventoryRepo() *mockInventoryRepo {
	return &mockInventoryRepo{}
}

func (m *mockInventoryRepo) FindByExternalID(_ context.Context, connectionID uuid.UUID, externalID string) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.items) - 1; i >= 0; i-- {
		it := m.items[i]
		if it.ConnectionID == connectionID && it.ExternalID == externalID {
			copied := *it
			return &copied, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockInventoryRepo) Upsert(_ context.Context, item *models.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	item.UpdatedAt = now
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
		item.CreatedAt = now
		copied := *item
		m.items = append(m.items, &copied)
		return nil
	}
	for i, existing := range m.items {
		if existing.ID == item.ID {
			copied := *item
			m.items[i] = &copied
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockInventoryRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == id {
			it.Deleted = true
			return nil
		}
	}
	return nil
}

func (m *mockInventoryRepo) HardDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *mockInventoryRepo) ListActive(_ context.Context, connectionID uuid.UUID) ([]*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InventoryItem
	for _, it := range m.items {
		if it.ConnectionID == connectionID && !it.Deleted {
			copied := *it
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockInventoryRepo) DeleteByConnection(_ context.Context, connectionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, it := range m.items {
		if it.ConnectionID != connectionID {
			kept = append(kept, it)
		}
	}
	m.items = kept
	return nil
}

// get returns the stored row by id, for assertions.
func (m *mockInventoryRepo) get(id uuid.UUID) *models.InventoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == id {
			copied := *it
			return &copied
		}
	}
	return nil
}

func (m *mockInventoryRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type mockConnectionRepo struct {
	mu    sync.Mutex
	conns map[uuid.UUID]*models.Connection
}

func newMockConnectionRepo(conns ...*models.Connection) *mockConnectionRepo {
	m := &mockConnectionRepo{conns: make(map[uuid.UUID]*models.Connection)}
	for _, c := range conns {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		copied := *c
		m.conns[c.ID] = &copied
	}
	return m
}

func (m *mockConnectionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (m *mockConnectionRepo) ListPollable(_ context.Context) ([]*models.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Connection
	for _, c := range m.conns {
		if c.Pollable() {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockConnectionRepo) Create(_ context.Context, conn *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.TenantID == conn.TenantID && c.Name == conn.Name {
			return apperrors.ErrConflict
		}
	}
	conn.ID = uuid.New()
	copied := *conn
	m.conns[conn.ID] = &copied
	return nil
}

func (m *mockConnectionRepo) UpdateCredentials(_ context.Context, id uuid.UUID, credentials string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.Credentials = credentials
	return nil
}

func (m *mockConnectionRepo) AdvanceWatermark(_ context.Context, id uuid.UUID, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if c.LastActivityPollAt == nil || c.LastActivityPollAt.Before(watermark) {
		w := watermark
		c.LastActivityPollAt = &w
	}
	return nil
}

func (m *mockConnectionRepo) FlagBroken(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.Broken = true
	c.LastError = reason
	return nil
}

func (m *mockConnectionRepo) ClearBroken(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.Broken = false
	c.LastError = ""
	c.FailureCount = 0
	return nil
}

func (m *mockConnectionRepo) IncrementFailures(_ context.Context, id uuid.UUID, lastError string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	c.FailureCount++
	c.LastError = lastError
	return c.FailureCount, nil
}

func (m *mockConnectionRepo) ResetFailures(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.FailureCount = 0
	c.LastError = ""
	return nil
}

func (m *mockConnectionRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.conns, id)
	return nil
}

func (m *mockConnectionRepo) get(id uuid.UUID) *models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	copied := *c
	return &copied
}

// ============================================================================
// Recording sink
// ============================================================================

type updateEvent struct {
	item   *models.InventoryItem
	silent bool
}

type captureSink struct {
	mu          sync.Mutex
	created     []*models.InventoryItem
	updated     []updateEvent
	deleted     []*models.InventoryItem
	activities  []*models.ActivityRecord
	diagnostics []error
}

func newCaptureSink() *captureSink { return &captureSink{} }

func (s *captureSink) OnItemCreated(_ context.Context, item *models.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.created = append(s.created, &copied)
}

func (s *captureSink) OnItemUpdated(_ context.Context, item *models.InventoryItem, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.updated = append(s.updated, updateEvent{item: &copied, silent: silent})
}

func (s *captureSink) OnItemSoftDeleted(_ context.Context, item *models.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *item
	s.deleted = append(s.deleted, &copied)
}

func (s *captureSink) OnActivity(_ context.Context, _ *models.Connection, record *models.ActivityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *record
	s.activities = append(s.activities, &copied)
}

func (s *captureSink) OnDiagnostic(_ context.Context, _ *models.Connection, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diagnostics = append(s.diagnostics, err)
}

// ============================================================================
// Stub provider client and strategy
// ============================================================================

// stubClient serves canned data. listErr fails ListResources; activityErr
// is returned from ListActivitySince alongside whatever activities are
// configured, mimicking a partial fetch.
type stubClient struct {
	mu          sync.Mutex
	resources   []providers.RawResource
	activities  []providers.RawActivity
	listErr     error
	activityErr error
	cleanups    int
}

func (c *stubClient) ListResources(context.Context) ([]providers.RawResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]providers.RawResource(nil), c.resources...), nil
}

func (c *stubClient) ListActivitySince(context.Context, *time.Time) ([]providers.RawActivity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]providers.RawActivity(nil), c.activities...), c.activityErr
}

func (c *stubClient) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
}

// stubStrategy decodes resource payloads directly into item fields and
// activity payloads into {"title": ...}. Kind "noise" is recognized but
// dropped; kind "mystery" is unrecognized. An empty ExternalID attributes
// activity to the connection.
type stubStrategy struct{}

type stubFields struct {
	Type        string   `json:"type"`
	Alias       string   `json:"alias"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
	Visibility  string   `json:"visibility"`
	MetadataRef string   `json:"metadata_ref"`
}

func (stubStrategy) MapInventoryFields(res providers.RawResource) (models.ItemFields, error) {
	var f stubFields
	if err := json.Unmarshal(res.Payload, &f); err != nil {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider:   "stub",
			ExternalID: res.ExternalID,
			Err:        err,
		}
	}
	if f.Visibility == "" {
		f.Visibility = models.VisibilityPrivate
	}
	if f.Type == "" {
		f.Type = models.ItemTypeCustom
	}
	return models.ItemFields{
		Type:        f.Type,
		Alias:       f.Alias,
		Description: f.Description,
		Hashtags:    f.Hashtags,
		Visibility:  f.Visibility,
		MetadataRef: f.MetadataRef,
	}, nil
}

func (stubStrategy) MapActivity(act providers.RawActivity) (providers.ActivityContent, bool, error) {
	switch act.Kind {
	case "noise":
		return providers.ActivityContent{}, false, nil
	case "mystery":
		return providers.ActivityContent{}, false, fmt.Errorf("unrecognized activity kind %q", act.Kind)
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(act.Payload, &body); err != nil {
		return providers.ActivityContent{}, false, err
	}
	return providers.ActivityContent{Title: body.Title}, true, nil
}

func (stubStrategy) ResolveTarget(act providers.RawActivity) (string, bool) {
	if act.ExternalID == "" {
		return "", true
	}
	return act.ExternalID, false
}

func fieldsPayload(alias string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"alias":%q}`, alias))
}

func activityPayload(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q}`, title))
}

func testConnection(provider string) *models.Connection {
	return &models.Connection{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "test-connection",
		Provider: provider,
	}
}
