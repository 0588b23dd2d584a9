package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/collateral"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/oracle"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/rules"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/logger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

const (
	settlementAddr = "0x00000000000000000000000000000000000000Aa"
	wbtcAddr       = "0x00000000000000000000000000000000000000Bb"
	aliceAddr      = "0x1111111111111111111111111111111111111111"
	updaterAddr    = "0x4444444444444444444444444444444444444444"
)

type statsStack struct {
	db       *gorm.DB
	registry *collateral.Registry
	reporter *oracle.Reporter
	ledger   *ledger.Service
	stats    *Service
}

func newStatsStack(t *testing.T) *statsStack {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.CollateralAsset{},
		&models.VaultPosition{},
		&models.VaultState{},
		&models.NavRecord{},
		&models.NavUpdater{},
		&models.VaultEvent{},
		&models.RedemptionRequest{},
	))

	ctx := context.Background()
	recorder := events.NewRecorder(logger.NewNop(), "test", nil)
	registry := collateral.NewRegistry(logger.NewNop(), db, recorder)
	require.NoError(t, registry.EnsureSettlementAsset(ctx, settlementAddr, "sovaBTC", 8))
	require.NoError(t, registry.AddAsset(ctx, wbtcAddr, "wBTC", 8, 8, auth.New("admin", auth.CapAssetsManage)))

	reporter := oracle.NewReporter(logger.NewNop(), db, recorder, 10000, 0)
	require.NoError(t, reporter.SetUpdater(ctx, updaterAddr, true, auth.New("admin", auth.CapNavAdmin)))

	engine := rules.NewEngine(logger.NewNop())
	ledgerSvc, err := ledger.NewService(logger.NewNop(), db, registry, reporter, engine, recorder)
	require.NoError(t, err)

	svc := NewService(logger.NewNop(), db, registry, ledgerSvc, reporter, nil, time.Minute, "test")
	return &statsStack{db: db, registry: registry, reporter: reporter, ledger: ledgerSvc, stats: svc}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDeploymentStatsEmptyVault(t *testing.T) {
	ss := newStatsStack(t)
	got, err := ss.stats.Deployment(context.Background())
	require.NoError(t, err)

	require.Equal(t, "test", got.Deployment)
	require.Equal(t, "0", got.TVL)
	require.Equal(t, "0", got.SharePrice)
	require.Zero(t, got.NavRound)
	require.Equal(t, "0", got.TotalShares)
	require.Zero(t, got.UserCount)
}

func TestDeploymentStatsAfterActivity(t *testing.T) {
	ss := newStatsStack(t)
	ctx := context.Background()

	_, err := ss.reporter.Update(ctx, dec("1000000000000000000"), "oracle", auth.Anonymous(updaterAddr))
	require.NoError(t, err)

	_, err = ss.ledger.DepositCollateral(ctx, wbtcAddr, dec("100000000"), aliceAddr)
	require.NoError(t, err)
	require.NoError(t, ss.ledger.AddLiquidity(ctx, dec("50000000"), auth.New("treasury", auth.CapLiquidityManage)))

	got, err := ss.stats.Deployment(ctx)
	require.NoError(t, err)

	// 1 BTC of collateral plus 0.5 BTC of liquidity, in 18-decimal units.
	require.Equal(t, "1500000000000000000", got.TVL)
	require.Equal(t, "1000000000000000000", got.SharePrice)
	require.Equal(t, int64(1), got.NavRound)
	require.Equal(t, "1000000000000000000", got.TotalShares)
	require.Equal(t, "50000000", got.AvailableLiquidity)
	require.Equal(t, int64(1), got.UserCount)
	require.Positive(t, got.TransactionCount)
}

func TestDeploymentStatsCountsRequestsByStatus(t *testing.T) {
	ss := newStatsStack(t)
	ctx := context.Background()

	now := time.Now()
	seed := []models.RedemptionRequest{
		{Deployment: "test", Owner: aliceAddr, Nonce: 1, Status: models.RedemptionPending},
		{Deployment: "test", Owner: aliceAddr, Nonce: 2, Status: models.RedemptionPending},
		{Deployment: "test", Owner: aliceAddr, Nonce: 3, Status: models.RedemptionCompleted},
		{Deployment: "other", Owner: aliceAddr, Nonce: 4, Status: models.RedemptionPending},
	}
	for i := range seed {
		seed[i].ID = uuid.New()
		seed[i].ShareAmount = decimal.Zero
		seed[i].MinAssetsOut = decimal.Zero
		seed[i].SettledAmount = decimal.Zero
		seed[i].Deadline = now.Add(time.Hour)
		seed[i].CreatedAt = now
		seed[i].UpdatedAt = now
		require.NoError(t, ss.db.Create(&seed[i]).Error)
	}

	got, err := ss.stats.Deployment(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.RequestsByStatus["pending"])
	require.Equal(t, int64(1), got.RequestsByStatus["completed"])
}
