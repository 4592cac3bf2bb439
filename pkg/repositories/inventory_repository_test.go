//go:build integration

package repositories

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/testhelpers"
)

type inventoryTestContext struct {
	t        *testing.T
	repo     InventoryRepository
	connID   uuid.UUID
	connRepo ConnectionRepository
}

func setupInventoryTest(t *testing.T) *inventoryTestContext {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)
	connRepo := NewConnectionRepository(engineDB.DB)
	conn := createTestConnection(t, connRepo, "inventory-"+uuid.NewString())
	return &inventoryTestContext{
		t:        t,
		repo:     NewInventoryRepository(engineDB.DB),
		connID:   conn.ID,
		connRepo: connRepo,
	}
}

func (tc *inventoryTestContext) createItem(externalID, alias string) *models.InventoryItem {
	tc.t.Helper()
	item := &models.InventoryItem{
		ConnectionID: tc.connID,
		ExternalID:   externalID,
		Type:         models.ItemTypeComputeInstance,
		Alias:        alias,
		Hashtags:     []string{"env:test"},
		Visibility:   models.VisibilityPrivate,
	}
	if err := tc.repo.Upsert(context.Background(), item); err != nil {
		tc.t.Fatalf("Failed to create inventory item: %v", err)
	}
	return item
}

func TestInventoryRepository_UpsertAndFind(t *testing.T) {
	tc := setupInventoryTest(t)
	ctx := context.Background()

	created := tc.createItem("r-1", "Worker node")
	if created.ID == uuid.Nil {
		t.Fatal("Expected generated item ID")
	}

	got, err := tc.repo.FindByExternalID(ctx, tc.connID, "r-1")
	if err != nil {
		t.Fatalf("Failed to find item: %v", err)
	}
	if got.Alias != "Worker node" {
		t.Errorf("Expected alias 'Worker node', got %q", got.Alias)
	}
	if len(got.Hashtags) != 1 || got.Hashtags[0] != "env:test" {
		t.Errorf("Expected hashtags round-trip, got %v", got.Hashtags)
	}

	got.Alias = "Renamed node"
	if err := tc.repo.Upsert(ctx, got); err != nil {
		t.Fatalf("Failed to update item: %v", err)
	}
	got, _ = tc.repo.FindByExternalID(ctx, tc.connID, "r-1")
	if got.Alias != "Renamed node" {
		t.Errorf("Expected updated alias, got %q", got.Alias)
	}
	if got.ID != created.ID {
		t.Error("Update must not change identity")
	}
}

func TestInventoryRepository_FindByExternalID_NotFound(t *testing.T) {
	tc := setupInventoryTest(t)

	_, err := tc.repo.FindByExternalID(context.Background(), tc.connID, "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestInventoryRepository_LiveUniquenessEnforced(t *testing.T) {
	tc := setupInventoryTest(t)
	ctx := context.Background()

	tc.createItem("r-dup", "First")

	dup := &models.InventoryItem{
		ConnectionID: tc.connID,
		ExternalID:   "r-dup",
		Type:         models.ItemTypeComputeInstance,
		Alias:        "Second",
		Visibility:   models.VisibilityPrivate,
	}
	if err := tc.repo.Upsert(ctx, dup); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate live external id, got %v", err)
	}
}

func TestInventoryRepository_SoftDeleteAllowsRecreate(t *testing.T) {
	tc := setupInventoryTest(t)
	ctx := context.Background()

	first := tc.createItem("r-reborn", "Original")
	if err := tc.repo.SoftDelete(ctx, first.ID); err != nil {
		t.Fatalf("Failed to soft-delete: %v", err)
	}

	// Soft delete is idempotent.
	if err := tc.repo.SoftDelete(ctx, first.ID); err != nil {
		t.Fatalf("Second soft-delete failed: %v", err)
	}

	got, err := tc.repo.FindByExternalID(ctx, tc.connID, "r-reborn")
	if err != nil {
		t.Fatalf("Tombstone should remain findable: %v", err)
	}
	if !got.Deleted {
		t.Error("Expected item to be tombstoned")
	}

	// The partial unique index only guards live rows, so the external id
	// can come back after superseding the tombstone.
	if err := tc.repo.HardDelete(ctx, first.ID); err != nil {
		t.Fatalf("Failed to hard-delete tombstone: %v", err)
	}
	second := tc.createItem("r-reborn", "Reborn")
	if second.ID == first.ID {
		t.Error("Expected fresh identity after supersession")
	}
}

func TestInventoryRepository_ListActiveExcludesTombstones(t *testing.T) {
	tc := setupInventoryTest(t)
	ctx := context.Background()

	keep := tc.createItem("r-keep", "Keep")
	drop := tc.createItem("r-drop", "Drop")
	if err := tc.repo.SoftDelete(ctx, drop.ID); err != nil {
		t.Fatalf("Failed to soft-delete: %v", err)
	}

	active, err := tc.repo.ListActive(ctx, tc.connID)
	if err != nil {
		t.Fatalf("Failed to list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("Expected 1 active item, got %d", len(active))
	}
	if active[0].ID != keep.ID {
		t.Errorf("Expected surviving item %s, got %s", keep.ID, active[0].ID)
	}
}

func TestInventoryRepository_DeleteByConnection(t *testing.T) {
	tc := setupInventoryTest(t)
	ctx := context.Background()

	tc.createItem("r-1", "One")
	tc.createItem("r-2", "Two")

	if err := tc.repo.DeleteByConnection(ctx, tc.connID); err != nil {
		t.Fatalf("Failed to delete by connection: %v", err)
	}

	active, err := tc.repo.ListActive(ctx, tc.connID)
	if err != nil {
		t.Fatalf("Failed to list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected empty inventory, got %d items", len(active))
	}
}
