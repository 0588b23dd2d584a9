package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/logger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

const updaterAddr = "0x1111111111111111111111111111111111111111"

func setupReporter(t *testing.T, maxBps int64, minInterval time.Duration) (*Reporter, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.NavRecord{}, &models.NavUpdater{}, &models.NavSetting{}, &models.VaultEvent{}))

	recorder := events.NewRecorder(logger.NewNop(), "test", nil)
	r := NewReporter(logger.NewNop(), db, recorder, maxBps, minInterval)

	admin := auth.New("admin", auth.CapNavAdmin)
	require.NoError(t, r.SetUpdater(context.Background(), updaterAddr, true, admin))
	return r, db
}

func price(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFirstUpdateExemptFromDeviation(t *testing.T) {
	r, _ := setupReporter(t, 100, 0)
	ctx := context.Background()

	round, err := r.Update(ctx, price("1000000000000000000"), "oracle", auth.Anonymous(updaterAddr))
	require.NoError(t, err)
	require.Equal(t, int64(1), round)

	p, err := r.CurrentPrice(ctx)
	require.NoError(t, err)
	require.True(t, p.Equal(price("1000000000000000000")))
}

func TestDeviationBoundRejectsAndLeavesStateUnchanged(t *testing.T) {
	r, _ := setupReporter(t, 100, 0) // 1%
	ctx := context.Background()
	updater := auth.Anonymous(updaterAddr)

	_, err := r.Update(ctx, price("1000000000000000000"), "oracle", updater)
	require.NoError(t, err)

	// 2% move exceeds the 1% bound
	_, err = r.Update(ctx, price("1020000000000000000"), "oracle", updater)
	require.ErrorIs(t, err, ErrMaxDeviationExceeded)

	rec, err := r.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Round)
	require.True(t, rec.Price.Equal(price("1000000000000000000")))

	// Exactly 1% is allowed (boundary is inclusive)
	round, err := r.Update(ctx, price("1010000000000000000"), "oracle", updater)
	require.NoError(t, err)
	require.Equal(t, int64(2), round)
}

func TestRoundsIncreaseMonotonically(t *testing.T) {
	r, _ := setupReporter(t, 10000, 0)
	ctx := context.Background()
	updater := auth.Anonymous(updaterAddr)

	prev := int64(0)
	p := price("1000000000000000000")
	for i := 0; i < 5; i++ {
		round, err := r.Update(ctx, p, "oracle", updater)
		require.NoError(t, err)
		require.Equal(t, prev+1, round)
		prev = round
		p = p.Add(price("1000000000000000"))
	}
}

func TestUnauthorizedUpdaterRejected(t *testing.T) {
	r, _ := setupReporter(t, 100, 0)
	ctx := context.Background()

	_, err := r.Update(ctx, price("1000000000000000000"), "oracle", auth.Anonymous("0x2222222222222222222222222222222222222222"))
	require.ErrorIs(t, err, ErrUnauthorized)

	// Revoking the known updater closes the door too.
	admin := auth.New("admin", auth.CapNavAdmin)
	require.NoError(t, r.SetUpdater(ctx, updaterAddr, false, admin))
	_, err = r.Update(ctx, price("1000000000000000000"), "oracle", auth.Anonymous(updaterAddr))
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestEmptySourceRejected(t *testing.T) {
	r, _ := setupReporter(t, 100, 0)
	_, err := r.Update(context.Background(), price("1000000000000000000"), "", auth.Anonymous(updaterAddr))
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestMinUpdateIntervalEnforced(t *testing.T) {
	r, _ := setupReporter(t, 100, time.Hour)
	ctx := context.Background()
	updater := auth.Anonymous(updaterAddr)

	_, err := r.Update(ctx, price("1000000000000000000"), "oracle", updater)
	require.NoError(t, err)

	_, err = r.Update(ctx, price("1001000000000000000"), "oracle", updater)
	require.ErrorIs(t, err, ErrUpdateTooFrequent)
}

func TestSetMaxDeviationRequiresAdmin(t *testing.T) {
	r, _ := setupReporter(t, 100, 0)
	ctx := context.Background()

	err := r.SetMaxDeviation(ctx, 200, auth.Anonymous("nobody"))
	require.ErrorIs(t, err, ErrUnauthorized)

	admin := auth.New("admin", auth.CapNavAdmin)
	require.NoError(t, r.SetMaxDeviation(ctx, 200, admin))
	require.Equal(t, int64(200), r.MaxDeviationBps())

	err = r.SetMaxDeviation(ctx, 0, admin)
	require.Error(t, err)
	require.Equal(t, "INVALID_PRICE", vaulterrors.CodeOf(err))
}

func TestMaxDeviationSurvivesRestart(t *testing.T) {
	r, db := setupReporter(t, 100, 0)
	ctx := context.Background()

	admin := auth.New("admin", auth.CapNavAdmin)
	require.NoError(t, r.SetMaxDeviation(ctx, 250, admin))

	// A fresh reporter over the same database adopts the persisted override,
	// not the configured default.
	recorder := events.NewRecorder(logger.NewNop(), "test", nil)
	restarted := NewReporter(logger.NewNop(), db, recorder, 100, 0)
	require.Equal(t, int64(250), restarted.MaxDeviationBps())

	// Overriding again replaces the stored value rather than stacking rows.
	require.NoError(t, restarted.SetMaxDeviation(ctx, 300, admin))
	var settings []models.NavSetting
	require.NoError(t, db.Find(&settings).Error)
	require.Len(t, settings, 1)
	require.Equal(t, int64(300), settings[0].MaxDeviationBps)
}

func TestNoPriceBeforeFirstUpdate(t *testing.T) {
	r, _ := setupReporter(t, 100, 0)
	_, err := r.CurrentPrice(context.Background())
	require.ErrorIs(t, err, ErrNoPrice)
}
