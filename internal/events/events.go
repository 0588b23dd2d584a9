// Package events persists the vault event log and optionally streams it to
// Kafka for the indexer. The DB-assigned sequence number is the source of
// truth for downstream exactly-once processing; the stream is at-least-once
// and only ever carries committed rows.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

// Event type labels consumed by the indexer.
const (
	TypeDeposit             = "deposit"
	TypeWithdrawal          = "withdrawal"
	TypeCollateralAdded     = "collateral_added"
	TypeCollateralRemoved   = "collateral_removed"
	TypeLiquidityAdded      = "liquidity_added"
	TypeLiquidityRemoved    = "liquidity_removed"
	TypeNavUpdated          = "nav_updated"
	TypeRedemptionRequested = "redemption_requested"
	TypeRedemptionApproved  = "redemption_approved"
	TypeRedemptionRejected  = "redemption_rejected"
	TypeRedemptionCancelled = "redemption_cancelled"
	TypeRedemptionCompleted = "redemption_completed"
	TypeRedemptionFailed    = "redemption_failed"
	TypeRedemptionExpired   = "redemption_expired"
)

// Writer is the subset of kafka.Writer used by the recorder.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Recorder appends events to the vault_events table. Streaming happens out
// of band, over committed rows only, so a rolled-back transaction never
// leaks a phantom event to the indexer.
type Recorder struct {
	logger     *zap.Logger
	deployment string
	writer     Writer
}

// NewRecorder creates an event recorder. A nil writer disables streaming.
func NewRecorder(logger *zap.Logger, deployment string, writer Writer) *Recorder {
	return &Recorder{logger: logger, deployment: deployment, writer: writer}
}

// NewKafkaWriter builds the production Kafka writer.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Record persists the event within the caller's transaction so the sequence
// is assigned atomically with the state change. The row becomes visible to
// the relay only once the transaction commits.
func (r *Recorder) Record(ctx context.Context, tx *gorm.DB, eventType, actor, asset, amount, refID, detail string) error {
	ev := &models.VaultEvent{
		Type:       eventType,
		Deployment: r.deployment,
		Actor:      actor,
		Asset:      asset,
		Amount:     amount,
		RefID:      refID,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
	return tx.Create(ev).Error
}

// StartRelay launches the background loop streaming committed events to the
// writer. The relay picks up at the current head of the log; within a run
// delivery is at-least-once and consumers deduplicate on Seq.
func (r *Recorder) StartRelay(ctx context.Context, db *gorm.DB, interval time.Duration) {
	if r.writer == nil {
		return
	}
	go func() {
		cursor, err := r.head(ctx, db)
		if err != nil {
			r.logger.Warn("event relay failed to read log head", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cursor = r.publishBatch(ctx, db, cursor)
			}
		}
	}()
}

func (r *Recorder) head(ctx context.Context, db *gorm.DB) (int64, error) {
	var seq int64
	err := db.WithContext(ctx).Model(&models.VaultEvent{}).
		Where("deployment = ?", r.deployment).
		Select("COALESCE(MAX(seq), 0)").Scan(&seq).Error
	return seq, err
}

// publishBatch streams committed events after the cursor, in sequence order,
// and returns the new cursor. A failed write stops the batch so the same
// events are retried on the next tick.
func (r *Recorder) publishBatch(ctx context.Context, db *gorm.DB, afterSeq int64) int64 {
	evs, err := r.List(ctx, db, afterSeq, 100)
	if err != nil {
		r.logger.Warn("event relay failed to list events", zap.Error(err))
		return afterSeq
	}
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("event relay failed to encode event",
				zap.Int64("seq", ev.Seq), zap.Error(err))
			afterSeq = ev.Seq
			continue
		}
		if err := r.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(r.deployment),
			Value: payload,
		}); err != nil {
			r.logger.Warn("event stream publish failed",
				zap.String("type", ev.Type),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
			return afterSeq
		}
		afterSeq = ev.Seq
	}
	return afterSeq
}

// List returns events after the given sequence, oldest first.
func (r *Recorder) List(ctx context.Context, db *gorm.DB, afterSeq int64, limit int) ([]*models.VaultEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var evs []*models.VaultEvent
	err := db.WithContext(ctx).
		Where("deployment = ? AND seq > ?", r.deployment, afterSeq).
		Order("seq ASC").Limit(limit).Find(&evs).Error
	return evs, err
}
