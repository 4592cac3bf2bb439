package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
	"github.com/perch-hq/perch-engine/pkg/repositories"
)

// Reconciler converges the local mirror onto a provider snapshot. One pass
// creates what appeared, updates what changed, and tombstones what
// vanished; an item absent from a snapshot is treated as deleted upstream,
// not as a fetch glitch, because ListResources either returns the complete
// inventory or fails outright.
type Reconciler struct {
	inventoryRepo repositories.InventoryRepository
	notifications NotificationSink
	diagnostics   DiagnosticSink
	logger        *zap.Logger
}

func NewReconciler(
	inventoryRepo repositories.InventoryRepository,
	notifications NotificationSink,
	diagnostics DiagnosticSink,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		inventoryRepo: inventoryRepo,
		notifications: notifications,
		diagnostics:   diagnostics,
		logger:        logger,
	}
}

// Reconcile runs one full pass for a connection. The snapshot fetch
// happens before any mutation: a failed fetch leaves the mirror untouched.
// An empty snapshot is a valid answer and tombstones the whole mirror.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	conn *models.Connection,
	client providers.Client,
	strategy providers.Strategy,
) (*models.ReconcileResult, error) {
	resources, err := client.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider resources: %w", err)
	}

	resources = collapseSnapshot(resources)
	result := &models.ReconcileResult{}
	seen := make(map[string]bool, len(resources))

	for _, res := range resources {
		seen[res.ExternalID] = true

		fields, err := strategy.MapInventoryFields(res)
		if err != nil {
			// The entry stays in the seen set so an existing mirror row is
			// not swept over a transient decoding problem.
			result.SkippedMalformed++
			r.diagnostics.OnDiagnostic(ctx, conn, err)
			continue
		}

		if err := r.reconcileOne(ctx, conn, res.ExternalID, fields, result); err != nil {
			return nil, err
		}
	}

	if err := r.sweep(ctx, conn, seen, result); err != nil {
		return nil, err
	}

	r.logger.Info("reconciliation pass complete",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("snapshot_size", len(resources)),
		zap.Int("created", len(result.Created)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("soft_deleted", len(result.SoftDeleted)),
		zap.Int("skipped_malformed", result.SkippedMalformed))

	return result, nil
}

// collapseSnapshot deduplicates snapshot entries by external id, keeping
// first-appearance order and the last payload for each id. Providers are
// not supposed to repeat ids, but some do across page boundaries.
func collapseSnapshot(resources []providers.RawResource) []providers.RawResource {
	index := make(map[string]int, len(resources))
	out := make([]providers.RawResource, 0, len(resources))
	for _, res := range resources {
		if i, ok := index[res.ExternalID]; ok {
			out[i] = res
			continue
		}
		index[res.ExternalID] = len(out)
		out = append(out, res)
	}
	return out
}

func (r *Reconciler) reconcileOne(
	ctx context.Context,
	conn *models.Connection,
	externalID string,
	fields models.ItemFields,
	result *models.ReconcileResult,
) error {
	existing, err := r.inventoryRepo.FindByExternalID(ctx, conn.ID, externalID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to look up mirror item %q: %w", externalID, err)
	}

	if existing != nil && existing.Deleted {
		// The external id came back after deletion. The tombstone is
		// superseded by a brand-new item rather than resurrected, so the
		// new item carries a fresh identity and history.
		if err := r.inventoryRepo.HardDelete(ctx, existing.ID); err != nil {
			return fmt.Errorf("failed to supersede tombstone for %q: %w", externalID, err)
		}
		existing = nil
	}

	if existing == nil {
		item := &models.InventoryItem{
			ConnectionID: conn.ID,
			ExternalID:   externalID,
		}
		fields.Apply(item)
		if err := r.inventoryRepo.Upsert(ctx, item); err != nil {
			return fmt.Errorf("failed to create mirror item %q: %w", externalID, err)
		}
		result.Created = append(result.Created, item)
		r.notifications.OnItemCreated(ctx, item)
		return nil
	}

	prevType, prevRef := existing.Type, existing.MetadataRef
	changed := fields.Apply(existing)
	silentOnly := !changed && (existing.Type != prevType || existing.MetadataRef != prevRef)

	if !changed && !silentOnly {
		return nil
	}

	if err := r.inventoryRepo.Upsert(ctx, existing); err != nil {
		return fmt.Errorf("failed to update mirror item %q: %w", externalID, err)
	}
	if changed {
		result.Updated = append(result.Updated, existing)
	} else {
		result.SilentUpdates = append(result.SilentUpdates, existing)
	}
	r.notifications.OnItemUpdated(ctx, existing, !changed)
	return nil
}

// sweep tombstones every live mirror item the snapshot did not mention.
func (r *Reconciler) sweep(
	ctx context.Context,
	conn *models.Connection,
	seen map[string]bool,
	result *models.ReconcileResult,
) error {
	active, err := r.inventoryRepo.ListActive(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to list mirror items for sweep: %w", err)
	}

	for _, item := range active {
		if seen[item.ExternalID] {
			continue
		}
		if err := r.inventoryRepo.SoftDelete(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to tombstone mirror item %q: %w", item.ExternalID, err)
		}
		item.Deleted = true
		result.SoftDeleted = append(result.SoftDeleted, item)
		r.notifications.OnItemSoftDeleted(ctx, item)
	}
	return nil
}
