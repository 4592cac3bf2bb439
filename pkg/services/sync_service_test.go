package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/crypto"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

var testProviderSeq atomic.Int64

// registerStubProvider wires a throwaway provider identity into the global
// registry so a sync service can resolve it like any real adapter.
func registerStubProvider(t *testing.T, client providers.Client, factoryErr error) (string, *string) {
	t.Helper()
	name := fmt.Sprintf("stub-%d", testProviderSeq.Add(1))
	var seenCredentials string
	providers.Register(providers.Registration{
		Info:     providers.Info{Provider: name, DisplayName: "Stub"},
		Strategy: stubStrategy{},
		NewClient: func(_ context.Context, conn *models.Connection, _ *zap.Logger) (providers.Client, error) {
			seenCredentials = conn.Credentials
			if factoryErr != nil {
				return nil, factoryErr
			}
			return client, nil
		},
	})
	return name, &seenCredentials
}

type syncFixture struct {
	svc   *SyncService
	conns *mockConnectionRepo
	items *mockInventoryRepo
	sink  *captureSink
	cache *providers.ClientCache
}

func newSyncFixture(t *testing.T, threshold int, conns *mockConnectionRepo) *syncFixture {
	t.Helper()
	items := newMockInventoryRepo()
	sink := newCaptureSink()
	logger := zap.NewNop()

	cipher, err := crypto.NewBlobCipher("sync-service-test-key")
	require.NoError(t, err)

	cache := providers.NewClientCache(providers.ClientCacheConfig{TTLMinutes: 1}, logger)
	t.Cleanup(func() { _ = cache.Close() })

	reconciler := NewReconciler(items, sink, sink, logger)
	poller := NewActivityPoller(conns, items, sink, sink, logger)

	return &syncFixture{
		svc:   NewSyncService(conns, items, reconciler, poller, cache, cipher, threshold, logger),
		conns: conns,
		items: items,
		sink:  sink,
		cache: cache,
	}
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func TestCreateConnection_EncryptsCredentials(t *testing.T) {
	client := &stubClient{}
	provider, seenCreds := registerStubProvider(t, client, nil)
	conns := newMockConnectionRepo()
	f := newSyncFixture(t, 5, conns)

	conn := testConnection(provider)
	conn.ID = uuid.Nil
	conn.Credentials = `{"token":"hunter2"}`
	require.NoError(t, f.svc.CreateConnection(context.Background(), conn))

	stored := conns.get(conn.ID)
	require.NotNil(t, stored)
	assert.NotContains(t, stored.Credentials, "hunter2")

	// A pass decrypts the blob back to the original before handing it to
	// the provider factory.
	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"hunter2"}`, *seenCreds)
}

func TestCreateConnection_UnknownProviderRejected(t *testing.T) {
	f := newSyncFixture(t, 5, newMockConnectionRepo())
	conn := testConnection("no-such-provider")
	err := f.svc.CreateConnection(context.Background(), conn)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedProvider)
}

func TestUpdateCredentials_ClearsBrokenFlag(t *testing.T) {
	client := &stubClient{}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conn.Broken = true
	conn.FailureCount = 7
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 5, conns)

	require.NoError(t, f.svc.UpdateCredentials(context.Background(), conn.ID, `{"token":"fresh"}`))

	stored := conns.get(conn.ID)
	assert.False(t, stored.Broken)
	assert.Equal(t, 0, stored.FailureCount)
}

func TestDeleteConnection_ReleasesCachedClient(t *testing.T) {
	client := &stubClient{}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 5, conns)

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.cache.Len())

	require.NoError(t, f.svc.DeleteConnection(context.Background(), conn.ID))
	assert.Equal(t, 0, f.cache.Len())
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.cleanups == 1
	}, time.Second, 10*time.Millisecond)
	assert.Nil(t, conns.get(conn.ID))
}

// ============================================================================
// Pass gating
// ============================================================================

func TestRefreshInventory_DisabledConnection(t *testing.T) {
	client := &stubClient{}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conn.Disabled = true
	f := newSyncFixture(t, 5, newMockConnectionRepo(conn))

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	assert.ErrorIs(t, err, apperrors.ErrConnectionDisabled)
}

func TestRefreshInventory_UnsupportedProvider(t *testing.T) {
	conn := testConnection("vanished-provider")
	f := newSyncFixture(t, 5, newMockConnectionRepo(conn))

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedProvider)
}

func TestRefreshInventory_UnknownConnection(t *testing.T) {
	f := newSyncFixture(t, 5, newMockConnectionRepo())
	_, err := f.svc.RefreshInventory(context.Background(), testConnection("stub").ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ============================================================================
// Failure classification
// ============================================================================

func TestSync_RejectedCredentialsFlagBrokenImmediately(t *testing.T) {
	client := &stubClient{listErr: fmt.Errorf("status 401: %w", apperrors.ErrInvalidCredentials)}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 5, conns)

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.Error(t, err)

	stored := conns.get(conn.ID)
	assert.True(t, stored.Broken)
	assert.NotEmpty(t, stored.LastError)
	assert.Equal(t, 0, f.cache.Len())

	pollable, _ := conns.ListPollable(context.Background())
	assert.Empty(t, pollable)
}

func TestSync_TransientFailuresFlagBrokenAtThreshold(t *testing.T) {
	client := &stubClient{listErr: fmt.Errorf("read timeout: %w", apperrors.ErrTransientIO)}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 3, conns)

	for i := 0; i < 2; i++ {
		_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
		require.Error(t, err)
		assert.False(t, conns.get(conn.ID).Broken)
	}

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.Error(t, err)
	assert.True(t, conns.get(conn.ID).Broken)
}

func TestSync_SuccessResetsFailureStreak(t *testing.T) {
	client := &stubClient{listErr: errors.New("flaky")}
	provider, _ := registerStubProvider(t, client, nil)
	conn := testConnection(provider)
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 3, conns)

	for i := 0; i < 2; i++ {
		_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
		require.Error(t, err)
	}
	require.Equal(t, 2, conns.get(conn.ID).FailureCount)

	client.mu.Lock()
	client.listErr = nil
	client.mu.Unlock()

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conns.get(conn.ID).FailureCount)

	// The streak starts over; two more failures stay under the threshold.
	client.mu.Lock()
	client.listErr = errors.New("flaky again")
	client.mu.Unlock()
	for i := 0; i < 2; i++ {
		_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
		require.Error(t, err)
	}
	assert.False(t, conns.get(conn.ID).Broken)
}

// ============================================================================
// Batch behavior
// ============================================================================

func TestRunBatch_IsolatesFailingConnections(t *testing.T) {
	healthyClient := &stubClient{resources: []providers.RawResource{
		{ExternalID: "r-1", Payload: fieldsPayload("Fine")},
	}}
	healthyProvider, _ := registerStubProvider(t, healthyClient, nil)

	brokenClient := &stubClient{listErr: errors.New("provider down")}
	brokenProvider, _ := registerStubProvider(t, brokenClient, nil)

	healthy := testConnection(healthyProvider)
	failing := testConnection(brokenProvider)
	failing.Name = "failing-connection"
	conns := newMockConnectionRepo(healthy, failing)
	f := newSyncFixture(t, 5, conns)

	require.NoError(t, f.svc.RunBatch(context.Background()))

	// The healthy connection fully synced despite its neighbor failing.
	require.Len(t, f.sink.created, 1)
	assert.Equal(t, healthy.ID, f.sink.created[0].ConnectionID)
	assert.Equal(t, 1, conns.get(failing.ID).FailureCount)
	assert.Equal(t, 0, conns.get(healthy.ID).FailureCount)
}

func TestRunBatch_SkipsBrokenAndDisabled(t *testing.T) {
	client := &stubClient{resources: []providers.RawResource{
		{ExternalID: "r-1", Payload: fieldsPayload("A")},
	}}
	provider, _ := registerStubProvider(t, client, nil)

	broken := testConnection(provider)
	broken.Broken = true
	disabled := testConnection(provider)
	disabled.Name = "disabled-connection"
	disabled.Disabled = true
	conns := newMockConnectionRepo(broken, disabled)
	f := newSyncFixture(t, 5, conns)

	require.NoError(t, f.svc.RunBatch(context.Background()))
	assert.Empty(t, f.sink.created)
}

func TestSync_ClientFactoryFailureCounted(t *testing.T) {
	provider, _ := registerStubProvider(t, nil, fmt.Errorf("dial: %w", apperrors.ErrTransientIO))
	conn := testConnection(provider)
	conns := newMockConnectionRepo(conn)
	f := newSyncFixture(t, 5, conns)

	_, err := f.svc.RefreshInventory(context.Background(), conn.ID)
	require.Error(t, err)
	assert.Equal(t, 1, conns.get(conn.ID).FailureCount)
	assert.Equal(t, 0, f.cache.Len())
}
