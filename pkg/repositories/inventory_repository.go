package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/database"
	"github.com/perch-hq/perch-engine/pkg/models"
)

// InventoryRepository defines data access for mirrored inventory items.
// The store enforces (connection_id, external_id) uniqueness among
// non-deleted rows with a partial unique index; Upsert maps violations to
// apperrors.ErrConflict.
type InventoryRepository interface {
	// FindByExternalID retrieves the newest item for (connection, external id),
	// tombstoned or not. Returns apperrors.ErrNotFound if none exists.
	FindByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.InventoryItem, error)

	// Upsert inserts the item if ID is nil, otherwise updates it in place.
	Upsert(ctx context.Context, item *models.InventoryItem) error

	// SoftDelete tombstones an item. Soft-deleting an already-deleted item
	// is a no-op.
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// HardDelete removes an item row entirely.
	HardDelete(ctx context.Context, id uuid.UUID) error

	// ListActive retrieves all non-deleted items for a connection.
	ListActive(ctx context.Context, connectionID uuid.UUID) ([]*models.InventoryItem, error)

	// DeleteByConnection removes every item for a connection (teardown).
	DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error
}

// inventoryRepository implements InventoryRepository using PostgreSQL.
type inventoryRepository struct {
	db *database.DB
}

// NewInventoryRepository creates a new inventory repository.
func NewInventoryRepository(db *database.DB) InventoryRepository {
	return &inventoryRepository{db: db}
}

var _ InventoryRepository = (*inventoryRepository)(nil)

const inventoryColumns = `id, connection_id, external_id, item_type, alias, description, hashtags, visibility, deleted, metadata_ref, created_at, updated_at`

func scanInventoryItem(row pgx.Row) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := row.Scan(
		&item.ID,
		&item.ConnectionID,
		&item.ExternalID,
		&item.Type,
		&item.Alias,
		&item.Description,
		&item.Hashtags,
		&item.Visibility,
		&item.Deleted,
		&item.MetadataRef,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *inventoryRepository) FindByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.InventoryItem, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM engine_inventory_items
		WHERE connection_id = $1 AND external_id = $2
		ORDER BY created_at DESC
		LIMIT 1`

	item, err := scanInventoryItem(r.db.QueryRow(ctx, query, connectionID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find inventory item: %w", err)
	}
	return item, nil
}

func (r *inventoryRepository) Upsert(ctx context.Context, item *models.InventoryItem) error {
	now := time.Now()
	item.UpdatedAt = now

	if item.ID == uuid.Nil {
		item.CreatedAt = now
		query := `
			INSERT INTO engine_inventory_items
				(connection_id, external_id, item_type, alias, description, hashtags, visibility, deleted, metadata_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`

		err := r.db.QueryRow(ctx, query,
			item.ConnectionID,
			item.ExternalID,
			item.Type,
			item.Alias,
			item.Description,
			item.Hashtags,
			item.Visibility,
			item.Deleted,
			item.MetadataRef,
			item.CreatedAt,
			item.UpdatedAt,
		).Scan(&item.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperrors.ErrConflict
			}
			return fmt.Errorf("failed to insert inventory item: %w", err)
		}
		return nil
	}

	query := `
		UPDATE engine_inventory_items
		SET item_type = $2, alias = $3, description = $4, hashtags = $5,
		    visibility = $6, deleted = $7, metadata_ref = $8, updated_at = $9
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		item.ID,
		item.Type,
		item.Alias,
		item.Description,
		item.Hashtags,
		item.Visibility,
		item.Deleted,
		item.MetadataRef,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update inventory item: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *inventoryRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE engine_inventory_items
		SET deleted = TRUE, updated_at = $2
		WHERE id = $1 AND NOT deleted`

	// Zero rows affected means the item is already tombstoned or gone;
	// both are fine (idempotent).
	if _, err := r.db.Exec(ctx, query, id, time.Now()); err != nil {
		return fmt.Errorf("failed to soft-delete inventory item: %w", err)
	}
	return nil
}

func (r *inventoryRepository) HardDelete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM engine_inventory_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to hard-delete inventory item: %w", err)
	}
	return nil
}

func (r *inventoryRepository) ListActive(ctx context.Context, connectionID uuid.UUID) ([]*models.InventoryItem, error) {
	query := `
		SELECT ` + inventoryColumns + `
		FROM engine_inventory_items
		WHERE connection_id = $1 AND NOT deleted
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active inventory items: %w", err)
	}
	defer rows.Close()

	var items []*models.InventoryItem
	for rows.Next() {
		item, err := scanInventoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inventory item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inventory items: %w", err)
	}
	return items, nil
}

func (r *inventoryRepository) DeleteByConnection(ctx context.Context, connectionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM engine_inventory_items WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("failed to delete connection inventory: %w", err)
	}
	return nil
}
