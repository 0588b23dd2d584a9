// Package stats computes the per-deployment aggregated metrics consumed by
// the dashboard and indexer collaborators: TVL, share price, user and
// transaction counts, all from the latest NAV and ledger snapshot.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/collateral"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/oracle"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

// DeploymentStats is the aggregated metrics snapshot. Monetary fields are
// decimal-string-encoded integers.
type DeploymentStats struct {
	Deployment         string           `json:"deployment"`
	TVL                string           `json:"tvl"`
	SharePrice         string           `json:"share_price"`
	NavRound           int64            `json:"nav_round"`
	TotalShares        string           `json:"total_shares"`
	AvailableLiquidity string           `json:"available_liquidity"`
	UserCount          int64            `json:"user_count"`
	TransactionCount   int64            `json:"transaction_count"`
	RequestsByStatus   map[string]int64 `json:"requests_by_status"`
	ComputedAt         time.Time        `json:"computed_at"`
}

// Service computes deployment stats with an optional redis read-through
// cache. A nil redis client disables caching.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	registry   *collateral.Registry
	ledger     *ledger.Service
	reporter   *oracle.Reporter
	cache      *redis.Client
	ttl        time.Duration
	deployment string
}

// NewService creates the stats service.
func NewService(logger *zap.Logger, db *gorm.DB, registry *collateral.Registry, ledgerSvc *ledger.Service, reporter *oracle.Reporter, cache *redis.Client, ttl time.Duration, deployment string) *Service {
	return &Service{
		logger:     logger,
		db:         db,
		registry:   registry,
		ledger:     ledgerSvc,
		reporter:   reporter,
		cache:      cache,
		ttl:        ttl,
		deployment: deployment,
	}
}

// Deployment computes (or serves from cache) the metrics snapshot.
func (s *Service) Deployment(ctx context.Context) (*DeploymentStats, error) {
	cacheKey := fmt.Sprintf("vault:stats:%s", s.deployment)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var stats DeploymentStats
			if json.Unmarshal(cached, &stats) == nil {
				return &stats, nil
			}
		}
	}

	stats, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.ttl).Err(); err != nil {
				s.logger.Warn("stats cache write failed", zap.Error(err))
			}
		}
	}
	return stats, nil
}

func (s *Service) compute(ctx context.Context) (*DeploymentStats, error) {
	tvl, err := s.registry.TotalCollateralValue(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DeploymentStats{
		Deployment:       s.deployment,
		TVL:              tvl.String(),
		SharePrice:       "0",
		RequestsByStatus: make(map[string]int64),
		ComputedAt:       time.Now(),
	}

	nav, err := s.reporter.Current(ctx)
	if err == nil {
		stats.SharePrice = nav.Price.String()
		stats.NavRound = nav.Round
	} else if !vaulterrors.Is(err, oracle.ErrNoPrice) {
		return nil, err
	}

	total, err := s.ledger.TotalShares(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalShares = total.String()

	liquidity, err := s.ledger.AvailableLiquidity(ctx)
	if err != nil {
		return nil, err
	}
	stats.AvailableLiquidity = liquidity.String()

	if err := s.db.WithContext(ctx).Model(&models.VaultPosition{}).
		Where("shares > ?", "0").Count(&stats.UserCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&models.VaultEvent{}).
		Where("deployment = ?", s.deployment).Count(&stats.TransactionCount).Error; err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	type statusRow struct {
		Status string
		N      int64
	}
	var rows []statusRow
	if err := s.db.WithContext(ctx).Model(&models.RedemptionRequest{}).
		Select("status, count(*) as n").
		Where("deployment = ?", s.deployment).
		Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	for _, row := range rows {
		stats.RequestsByStatus[row.Status] = row.N
	}

	return stats, nil
}
