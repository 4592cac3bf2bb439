package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
	"github.com/perch-hq/perch-engine/pkg/repositories"
)

// watermarkStep is the increment added to the newest observed publish time
// when persisting the watermark. Provider timestamps are millisecond
// resolution at best, so one millisecond past the newest entry guarantees
// the boundary entry is never re-emitted.
const watermarkStep = time.Millisecond

// ActivityPoller fetches provider activity incrementally. Each pass asks
// for everything published since the connection's watermark, re-filters
// what comes back (providers are not trusted to honor the cursor), emits
// surviving entries in publish order, and advances the watermark past the
// newest one. At-least-once within a pass, never re-emitting across
// passes.
type ActivityPoller struct {
	connectionRepo repositories.ConnectionRepository
	inventoryRepo  repositories.InventoryRepository
	notifications  NotificationSink
	diagnostics    DiagnosticSink
	logger         *zap.Logger
}

func NewActivityPoller(
	connectionRepo repositories.ConnectionRepository,
	inventoryRepo repositories.InventoryRepository,
	notifications NotificationSink,
	diagnostics DiagnosticSink,
	logger *zap.Logger,
) *ActivityPoller {
	return &ActivityPoller{
		connectionRepo: connectionRepo,
		inventoryRepo:  inventoryRepo,
		notifications:  notifications,
		diagnostics:    diagnostics,
		logger:         logger,
	}
}

// Poll runs one activity pass for a connection. A nil watermark means the
// connection has never been polled and everything the provider returns is
// in scope. Entries that survived filtering are emitted even when the
// fetch itself partially failed; the returned error then reports the
// partial failure alongside the partial result.
//
// advanceOnFailure moves the watermark to the pass start time when a
// failed fetch produced nothing newer, so providers with unbounded
// replayable history still make forward progress.
func (p *ActivityPoller) Poll(
	ctx context.Context,
	conn *models.Connection,
	client providers.Client,
	strategy providers.Strategy,
	advanceOnFailure bool,
) (*models.PollResult, error) {
	start := time.Now().UTC()
	watermark := conn.LastActivityPollAt

	raw, fetchErr := client.ListActivitySince(ctx, watermark)

	result := &models.PollResult{}
	var maxSeen time.Time
	var records []*models.ActivityRecord

	for _, act := range raw {
		if watermark != nil && !act.PublishedAt.After(*watermark) {
			result.Dropped++
			continue
		}
		if act.PublishedAt.After(maxSeen) {
			maxSeen = act.PublishedAt
		}

		content, ok, err := strategy.MapActivity(act)
		if err != nil {
			p.diagnostics.OnDiagnostic(ctx, conn, err)
			result.Dropped++
			continue
		}
		if !ok {
			result.Dropped++
			continue
		}

		record := &models.ActivityRecord{
			ConnectionID: conn.ID,
			PublishedAt:  act.PublishedAt,
			Title:        content.Title,
			Content:      content.Content,
			Hashtags:     models.NormalizeHashtags(content.Hashtags),
		}

		externalID, connectionLevel := strategy.ResolveTarget(act)
		if !connectionLevel {
			item, err := p.inventoryRepo.FindByExternalID(ctx, conn.ID, externalID)
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					p.diagnostics.OnDiagnostic(ctx, conn, &apperrors.UnresolvedTargetError{
						Provider:   conn.Provider,
						ExternalID: externalID,
					})
					result.Dropped++
					continue
				}
				return nil, fmt.Errorf("failed to resolve activity target %q: %w", externalID, err)
			}
			id := item.ID
			record.ItemID = &id
		}

		records = append(records, record)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].PublishedAt.Before(records[j].PublishedAt)
	})
	for _, record := range records {
		p.notifications.OnActivity(ctx, conn, record)
		result.Emitted++
	}

	// The watermark moves past everything this pass consumed, whether or
	// not the entry was worth emitting. A consumed-but-dropped entry must
	// not come back next pass.
	var next *time.Time
	if !maxSeen.IsZero() {
		w := maxSeen.Add(watermarkStep)
		next = &w
	}
	if fetchErr != nil && advanceOnFailure && (next == nil || start.After(*next)) {
		next = &start
	}
	if next != nil {
		if err := p.connectionRepo.AdvanceWatermark(ctx, conn.ID, *next); err != nil {
			return nil, err
		}
		conn.LastActivityPollAt = next
		result.Watermark = next
	}

	p.logger.Debug("activity poll pass complete",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("fetched", len(raw)),
		zap.Int("emitted", result.Emitted),
		zap.Int("dropped", result.Dropped))

	if fetchErr != nil {
		return result, fmt.Errorf("failed to fetch provider activity: %w", fetchErr)
	}
	return result, nil
}
