package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/logger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

// captureWriter records published messages in place of a Kafka writer.
type captureWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func setupEvents(t *testing.T) (*Recorder, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.VaultEvent{}))
	return NewRecorder(logger.NewNop(), "test", nil), db
}

func TestRecordAssignsMonotonicSequence(t *testing.T) {
	r, db := setupEvents(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return r.Record(ctx, tx, TypeDeposit, "0xabc", "0xasset", "100", "", "")
		}))
	}

	evs, err := r.List(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		require.Equal(t, int64(i+1), ev.Seq)
		require.Equal(t, "test", ev.Deployment)
	}
}

func TestRecordRollsBackWithTransaction(t *testing.T) {
	r, db := setupEvents(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := r.Record(ctx, tx, TypeDeposit, "0xabc", "", "1", "", ""); err != nil {
			return err
		}
		return gorm.ErrInvalidData
	})
	require.Error(t, err)

	evs, err := r.List(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestRolledBackEventsAreNeverStreamed(t *testing.T) {
	r, db := setupEvents(t)
	writer := &captureWriter{}
	r.writer = writer
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := r.Record(ctx, tx, TypeWithdrawal, "0xabc", "", "100", "", ""); err != nil {
			return err
		}
		return gorm.ErrInvalidData
	})
	require.Error(t, err)

	// The relay sees only committed rows, so nothing reaches the indexer.
	cursor := r.publishBatch(ctx, db, 0)
	require.Zero(t, cursor)
	require.Zero(t, writer.count())

	evs, err := r.List(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestRelayStreamsCommittedEventsInOrder(t *testing.T) {
	r, db := setupEvents(t)
	writer := &captureWriter{}
	r.writer = writer
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return r.Record(ctx, tx, TypeDeposit, "0xabc", "", "1", "", "")
		}))
	}

	cursor := r.publishBatch(ctx, db, 0)
	require.Equal(t, int64(2), cursor)
	require.Equal(t, 2, writer.count())

	// A later commit streams from the advanced cursor without replays.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.Record(ctx, tx, TypeNavUpdated, "oracle", "", "1", "", "")
	}))
	cursor = r.publishBatch(ctx, db, cursor)
	require.Equal(t, int64(3), cursor)
	require.Equal(t, 3, writer.count())
}

func TestRelayRetriesAfterPublishFailure(t *testing.T) {
	r, db := setupEvents(t)
	writer := &captureWriter{fail: true}
	r.writer = writer
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return r.Record(ctx, tx, TypeDeposit, "0xabc", "", "1", "", "")
	}))

	// The cursor does not advance past an unpublished event.
	cursor := r.publishBatch(ctx, db, 0)
	require.Zero(t, cursor)

	writer.fail = false
	cursor = r.publishBatch(ctx, db, cursor)
	require.Equal(t, int64(1), cursor)
	require.Equal(t, 1, writer.count())
}

func TestListAfterSequence(t *testing.T) {
	r, db := setupEvents(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return r.Record(ctx, tx, TypeNavUpdated, "oracle", "", "1", "", "")
		}))
	}

	evs, err := r.List(ctx, db, 3, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, int64(4), evs[0].Seq)

	evs, err = r.List(ctx, db, 0, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
}
