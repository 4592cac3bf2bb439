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

// ConnectionRepository defines data access for provider connections.
type ConnectionRepository interface {
	// GetByID retrieves a connection. Returns apperrors.ErrNotFound if it
	// does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)

	// ListPollable retrieves all connections eligible for background sync
	// (not disabled, not broken).
	ListPollable(ctx context.Context) ([]*models.Connection, error)

	// Create persists a new connection. Returns apperrors.ErrConflict when
	// the (tenant, name) pair is already taken.
	Create(ctx context.Context, conn *models.Connection) error

	// UpdateCredentials replaces the stored credentials blob.
	UpdateCredentials(ctx context.Context, id uuid.UUID, credentials string) error

	// AdvanceWatermark moves the activity watermark forward. The store
	// guards against regression: a watermark older than the persisted one
	// is silently ignored.
	AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error

	// FlagBroken marks a connection as broken with a diagnostic message.
	// Broken connections are excluded from background sync until credentials
	// are updated.
	FlagBroken(ctx context.Context, id uuid.UUID, reason string) error

	// ClearBroken resets the broken flag and failure streak.
	ClearBroken(ctx context.Context, id uuid.UUID) error

	// IncrementFailures bumps the consecutive-failure streak and records the
	// latest error, returning the new streak length.
	IncrementFailures(ctx context.Context, id uuid.UUID, lastError string) (int, error)

	// ResetFailures clears the consecutive-failure streak after a successful
	// sync pass.
	ResetFailures(ctx context.Context, id uuid.UUID) error

	// Delete removes a connection. Mirrored inventory rows cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}

// connectionRepository implements ConnectionRepository using PostgreSQL.
type connectionRepository struct {
	db *database.DB
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *database.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

var _ ConnectionRepository = (*connectionRepository)(nil)

const connectionColumns = `id, tenant_id, name, provider, credentials, last_activity_poll_at, broken, last_error, failure_count, disabled, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.Name,
		&conn.Provider,
		&conn.Credentials,
		&conn.LastActivityPollAt,
		&conn.Broken,
		&conn.LastError,
		&conn.FailureCount,
		&conn.Disabled,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *connectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM engine_connections
		WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *connectionRepository) ListPollable(ctx context.Context) ([]*models.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM engine_connections
		WHERE NOT disabled AND NOT broken
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pollable connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	query := `
		INSERT INTO engine_connections
			(tenant_id, name, provider, credentials, disabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		conn.TenantID,
		conn.Name,
		conn.Provider,
		conn.Credentials,
		conn.Disabled,
		conn.CreatedAt,
		conn.UpdatedAt,
	).Scan(&conn.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) UpdateCredentials(ctx context.Context, id uuid.UUID, credentials string) error {
	query := `
		UPDATE engine_connections
		SET credentials = $2, updated_at = $3
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, credentials, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) AdvanceWatermark(ctx context.Context, id uuid.UUID, watermark time.Time) error {
	// Monotonic by construction: concurrent pollers can race, the older
	// watermark loses.
	query := `
		UPDATE engine_connections
		SET last_activity_poll_at = $2, updated_at = $3
		WHERE id = $1
		  AND (last_activity_poll_at IS NULL OR last_activity_poll_at < $2)`

	if _, err := r.db.Exec(ctx, query, id, watermark, time.Now()); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

func (r *connectionRepository) FlagBroken(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE engine_connections
		SET broken = TRUE, last_error = $2, updated_at = $3
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to flag connection broken: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) ClearBroken(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE engine_connections
		SET broken = FALSE, last_error = '', failure_count = 0, updated_at = $2
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to clear broken flag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) IncrementFailures(ctx context.Context, id uuid.UUID, lastError string) (int, error) {
	query := `
		UPDATE engine_connections
		SET failure_count = failure_count + 1, last_error = $2, updated_at = $3
		WHERE id = $1
		RETURNING failure_count`

	var count int
	err := r.db.QueryRow(ctx, query, id, lastError, time.Now()).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment failure count: %w", err)
	}
	return count, nil
}

func (r *connectionRepository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE engine_connections
		SET failure_count = 0, last_error = '', updated_at = $2
		WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, id, time.Now()); err != nil {
		return fmt.Errorf("failed to reset failure count: %w", err)
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM engine_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
