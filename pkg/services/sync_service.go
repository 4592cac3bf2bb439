package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/crypto"
	"github.com/perch-hq/perch-engine/pkg/logging"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
	"github.com/perch-hq/perch-engine/pkg/repositories"
)

// SyncService is the trigger surface of the engine: connection lifecycle,
// on-demand reconciliation and activity polls, and the background batch
// the scheduler drives. Failures on one connection never reach another.
type SyncService struct {
	connectionRepo  repositories.ConnectionRepository
	inventoryRepo   repositories.InventoryRepository
	reconciler      *Reconciler
	poller          *ActivityPoller
	cache           *providers.ClientCache
	cipher          *crypto.BlobCipher
	brokenThreshold int
	logger          *zap.Logger
}

func NewSyncService(
	connectionRepo repositories.ConnectionRepository,
	inventoryRepo repositories.InventoryRepository,
	reconciler *Reconciler,
	poller *ActivityPoller,
	cache *providers.ClientCache,
	cipher *crypto.BlobCipher,
	brokenThreshold int,
	logger *zap.Logger,
) *SyncService {
	if brokenThreshold <= 0 {
		brokenThreshold = 5
	}
	return &SyncService{
		connectionRepo:  connectionRepo,
		inventoryRepo:   inventoryRepo,
		reconciler:      reconciler,
		poller:          poller,
		cache:           cache,
		cipher:          cipher,
		brokenThreshold: brokenThreshold,
		logger:          logger,
	}
}

// CreateConnection validates the provider identity, encrypts the
// credentials blob and persists the connection.
func (s *SyncService) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if !providers.IsRegistered(conn.Provider) {
		return fmt.Errorf("provider %q: %w", conn.Provider, apperrors.ErrUnsupportedProvider)
	}

	encrypted, err := s.cipher.Encrypt(conn.Credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	conn.Credentials = encrypted

	if err := s.connectionRepo.Create(ctx, conn); err != nil {
		return err
	}

	s.logger.Info("connection created",
		zap.String("connection_id", conn.ID.String()),
		zap.String("tenant_id", conn.TenantID.String()),
		zap.String("provider", conn.Provider),
		zap.String("name", conn.Name))
	return nil
}

// UpdateCredentials replaces a connection's credentials, clears the broken
// flag and drops any cached client so the next pass reconnects fresh.
func (s *SyncService) UpdateCredentials(ctx context.Context, connectionID uuid.UUID, credentials string) error {
	encrypted, err := s.cipher.Encrypt(credentials)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	if err := s.connectionRepo.UpdateCredentials(ctx, connectionID, encrypted); err != nil {
		return err
	}
	if err := s.connectionRepo.ClearBroken(ctx, connectionID); err != nil {
		return err
	}
	s.cache.Invalidate(connectionID)
	return nil
}

// DeleteConnection tears a connection down: the cached client is released,
// mirrored inventory cascades with the row.
func (s *SyncService) DeleteConnection(ctx context.Context, connectionID uuid.UUID) error {
	s.cache.Invalidate(connectionID)
	if err := s.connectionRepo.Delete(ctx, connectionID); err != nil {
		return err
	}
	s.logger.Info("connection deleted", zap.String("connection_id", connectionID.String()))
	return nil
}

// RefreshInventory runs one reconciliation pass for a connection.
func (s *SyncService) RefreshInventory(ctx context.Context, connectionID uuid.UUID) (*models.ReconcileResult, error) {
	conn, reg, client, err := s.clientFor(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	result, err := s.reconciler.Reconcile(ctx, conn, client, reg.Strategy)
	if err != nil {
		s.recordFailure(ctx, conn, err)
		return nil, err
	}
	s.recordSuccess(ctx, conn)
	return result, nil
}

// PollActivity runs one incremental activity pass for a connection.
func (s *SyncService) PollActivity(ctx context.Context, connectionID uuid.UUID) (*models.PollResult, error) {
	conn, reg, client, err := s.clientFor(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	result, err := s.poller.Poll(ctx, conn, client, reg.Strategy, reg.AdvanceOnFailure)
	if err != nil {
		s.recordFailure(ctx, conn, err)
		return result, err
	}
	s.recordSuccess(ctx, conn)
	return result, nil
}

// RunBatch syncs every pollable connection concurrently. Each connection
// gets its own goroutine; one connection failing, hanging on its provider
// or being flagged broken has no effect on the rest of the batch.
func (s *SyncService) RunBatch(ctx context.Context) error {
	conns, err := s.connectionRepo.ListPollable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pollable connections: %w", err)
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := s.RefreshInventory(ctx, id); err != nil {
				s.logger.Warn("inventory refresh failed",
					zap.String("connection_id", id.String()),
					zap.String("error", logging.SanitizeError(err)))
				return
			}
			if _, err := s.PollActivity(ctx, id); err != nil {
				s.logger.Warn("activity poll failed",
					zap.String("connection_id", id.String()),
					zap.String("error", logging.SanitizeError(err)))
			}
		}(conn.ID)
	}
	wg.Wait()

	s.logger.Info("sync batch complete", zap.Int("connections", len(conns)))
	return nil
}

// clientFor loads a connection and resolves a live provider client from
// the cache, constructing one with decrypted credentials if needed.
func (s *SyncService) clientFor(ctx context.Context, connectionID uuid.UUID) (*models.Connection, providers.Registration, providers.Client, error) {
	conn, err := s.connectionRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, providers.Registration{}, nil, err
	}
	if conn.Disabled {
		return nil, providers.Registration{}, nil, apperrors.ErrConnectionDisabled
	}

	reg, ok := providers.Get(conn.Provider)
	if !ok {
		return nil, providers.Registration{}, nil, fmt.Errorf("provider %q: %w", conn.Provider, apperrors.ErrUnsupportedProvider)
	}

	client, err := s.cache.GetOrCreate(ctx, conn.ID, func(ctx context.Context) (providers.Client, error) {
		plaintext, err := s.cipher.Decrypt(conn.Credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
		}
		// Decrypted credentials live only inside the factory; the loaded
		// connection keeps the encrypted blob.
		decrypted := *conn
		decrypted.Credentials = plaintext
		return reg.NewClient(ctx, &decrypted, s.logger)
	})
	if err != nil {
		s.recordFailure(ctx, conn, err)
		return nil, providers.Registration{}, nil, err
	}

	return conn, reg, client, nil
}

// recordFailure classifies a pass failure. Rejected credentials flag the
// connection broken immediately and drop the cached client; anything else
// counts toward the consecutive-failure threshold.
func (s *SyncService) recordFailure(ctx context.Context, conn *models.Connection, failure error) {
	reason := logging.SanitizeError(failure)

	if errors.Is(failure, apperrors.ErrInvalidCredentials) || errors.Is(failure, crypto.ErrDecryptionFailed) {
		s.cache.Invalidate(conn.ID)
		if err := s.connectionRepo.FlagBroken(ctx, conn.ID, reason); err != nil {
			s.logger.Error("failed to flag connection broken",
				zap.String("connection_id", conn.ID.String()), zap.Error(err))
		}
		s.logger.Warn("connection flagged broken",
			zap.String("connection_id", conn.ID.String()),
			zap.String("reason", reason))
		return
	}

	count, err := s.connectionRepo.IncrementFailures(ctx, conn.ID, reason)
	if err != nil {
		s.logger.Error("failed to record sync failure",
			zap.String("connection_id", conn.ID.String()), zap.Error(err))
		return
	}
	if count >= s.brokenThreshold {
		s.cache.Invalidate(conn.ID)
		if err := s.connectionRepo.FlagBroken(ctx, conn.ID, reason); err != nil {
			s.logger.Error("failed to flag connection broken",
				zap.String("connection_id", conn.ID.String()), zap.Error(err))
			return
		}
		s.logger.Warn("connection flagged broken after repeated failures",
			zap.String("connection_id", conn.ID.String()),
			zap.Int("failures", count))
	}
}

// recordSuccess clears the failure streak after a clean pass.
func (s *SyncService) recordSuccess(ctx context.Context, conn *models.Connection) {
	if conn.FailureCount == 0 && !conn.Broken {
		return
	}
	if err := s.connectionRepo.ResetFailures(ctx, conn.ID); err != nil {
		s.logger.Error("failed to reset failure count",
			zap.String("connection_id", conn.ID.String()), zap.Error(err))
	}
}
