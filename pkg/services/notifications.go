package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/logging"
	"github.com/perch-hq/perch-engine/pkg/models"
)

// NotificationSink receives the externally visible outcomes of sync passes.
// Callbacks arrive in pass order, at most once per outcome, and only after
// the underlying mutation has been persisted. Implementations must not
// block for long; they run inline with the pass.
type NotificationSink interface {
	// OnItemCreated fires for every newly mirrored item, including items
	// recreated over a tombstone.
	OnItemCreated(ctx context.Context, item *models.InventoryItem)

	// OnItemUpdated fires for re-sighted items that were persisted. silent
	// is true when no externally meaningful field changed; silent updates
	// are surfaced here for metrics but should not reach end users.
	OnItemUpdated(ctx context.Context, item *models.InventoryItem, silent bool)

	// OnItemSoftDeleted fires when an item vanished from the provider
	// snapshot and was tombstoned.
	OnItemSoftDeleted(ctx context.Context, item *models.InventoryItem)

	// OnActivity fires for every activity record that survived watermark
	// filtering, in increasing publish order within a pass.
	OnActivity(ctx context.Context, conn *models.Connection, record *models.ActivityRecord)
}

// DiagnosticSink receives per-entry failures that do not abort a pass:
// undecodable payloads, unrecognized activity sub-types, activity aimed at
// items the mirror has never seen.
type DiagnosticSink interface {
	OnDiagnostic(ctx context.Context, conn *models.Connection, err error)
}

// LogSink is the default sink: everything goes to structured logs.
// Deployments that fan notifications out to webhooks or queues wrap or
// replace it.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

var (
	_ NotificationSink = (*LogSink)(nil)
	_ DiagnosticSink   = (*LogSink)(nil)
)

func (s *LogSink) OnItemCreated(_ context.Context, item *models.InventoryItem) {
	s.logger.Info("inventory item created",
		zap.String("connection_id", item.ConnectionID.String()),
		zap.String("external_id", item.ExternalID),
		zap.String("type", item.Type),
		zap.String("alias", item.Alias))
}

func (s *LogSink) OnItemUpdated(_ context.Context, item *models.InventoryItem, silent bool) {
	if silent {
		s.logger.Debug("inventory item updated silently",
			zap.String("connection_id", item.ConnectionID.String()),
			zap.String("external_id", item.ExternalID))
		return
	}
	s.logger.Info("inventory item updated",
		zap.String("connection_id", item.ConnectionID.String()),
		zap.String("external_id", item.ExternalID),
		zap.String("alias", item.Alias))
}

func (s *LogSink) OnItemSoftDeleted(_ context.Context, item *models.InventoryItem) {
	s.logger.Info("inventory item soft-deleted",
		zap.String("connection_id", item.ConnectionID.String()),
		zap.String("external_id", item.ExternalID))
}

func (s *LogSink) OnActivity(_ context.Context, conn *models.Connection, record *models.ActivityRecord) {
	fields := []zap.Field{
		zap.String("connection_id", conn.ID.String()),
		zap.Time("published_at", record.PublishedAt),
		zap.String("title", logging.TruncateString(record.Title, 120)),
	}
	if record.ItemID != nil {
		fields = append(fields, zap.String("item_id", record.ItemID.String()))
	}
	s.logger.Info("activity", fields...)
}

func (s *LogSink) OnDiagnostic(_ context.Context, conn *models.Connection, err error) {
	s.logger.Warn("sync diagnostic",
		zap.String("connection_id", conn.ID.String()),
		zap.String("provider", conn.Provider),
		zap.String("error", logging.SanitizeError(err)))
}
