// Package oracle implements the bounded NAV price reporter. Every accepted
// update increments a monotonic round counter; updates that move the price
// more than the configured basis-point bound, or arrive before the minimum
// interval has elapsed, are rejected and leave price and round unchanged.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/metrics"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

var (
	ErrUnauthorized         = vaulterrors.E(vaulterrors.KindAuthorization, "UNAUTHORIZED", "caller is not an authorized NAV updater")
	ErrInvalidSource        = vaulterrors.E(vaulterrors.KindValidation, "INVALID_SOURCE", "update source label must not be empty")
	ErrInvalidPrice         = vaulterrors.E(vaulterrors.KindValidation, "INVALID_PRICE", "price must be a positive integer amount")
	ErrMaxDeviationExceeded = vaulterrors.E(vaulterrors.KindConsistency, "MAX_DEVIATION_EXCEEDED", "price update exceeds the configured deviation bound")
	ErrUpdateTooFrequent    = vaulterrors.E(vaulterrors.KindConsistency, "UPDATE_TOO_FREQUENT", "minimum interval between NAV updates has not elapsed")
	ErrNoPrice              = vaulterrors.E(vaulterrors.KindNotFound, "NO_PRICE", "no NAV record exists yet")
)

// Reporter holds current NAV state and enforces update bounds.
type Reporter struct {
	logger   *zap.Logger
	db       *gorm.DB
	recorder *events.Recorder

	mu              sync.RWMutex
	maxDeviationBps int64
	minInterval     time.Duration
}

// NewReporter creates a NAV reporter with the given bounds. A persisted admin
// override of the deviation bound, if one exists, takes precedence over the
// configured value so the bound survives restarts.
func NewReporter(logger *zap.Logger, db *gorm.DB, recorder *events.Recorder, maxDeviationBps int64, minInterval time.Duration) *Reporter {
	var setting models.NavSetting
	if err := db.First(&setting).Error; err == nil && setting.MaxDeviationBps > 0 {
		maxDeviationBps = setting.MaxDeviationBps
	}
	return &Reporter{
		logger:          logger,
		db:              db,
		recorder:        recorder,
		maxDeviationBps: maxDeviationBps,
		minInterval:     minInterval,
	}
}

// Current returns the latest accepted NAV record.
func (r *Reporter) Current(ctx context.Context) (*models.NavRecord, error) {
	var rec models.NavRecord
	err := r.db.WithContext(ctx).Order("round DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNoPrice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load NAV record: %w", err)
	}
	return &rec, nil
}

// CurrentPrice returns the latest price per share.
func (r *Reporter) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	rec, err := r.Current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.Price, nil
}

// MaxDeviationBps returns the active deviation bound.
func (r *Reporter) MaxDeviationBps() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxDeviationBps
}

// Update validates and stores a new NAV price, returning the new round.
// The first update is exempt from the deviation and interval checks.
func (r *Reporter) Update(ctx context.Context, newPrice decimal.Decimal, source string, a auth.Context) (int64, error) {
	if source == "" {
		return 0, ErrInvalidSource
	}
	if !newPrice.IsPositive() || !newPrice.IsInteger() {
		return 0, ErrInvalidPrice
	}

	authorized, err := r.isAuthorizedUpdater(ctx, a.Actor())
	if err != nil {
		return 0, err
	}
	if !authorized {
		metrics.NavUpdates.WithLabelValues("rejected").Inc()
		return 0, ErrUnauthorized
	}

	r.mu.RLock()
	maxBps := r.maxDeviationBps
	minInterval := r.minInterval
	r.mu.RUnlock()

	var round int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev models.NavRecord
		findErr := tx.Order("round DESC").First(&prev).Error
		if findErr != nil && findErr != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to load previous NAV record: %w", findErr)
		}

		if findErr == nil {
			if minInterval > 0 && time.Since(prev.CreatedAt) < minInterval {
				return ErrUpdateTooFrequent
			}
			// |new - prev| * 10000 <= maxBps * prev, exact integer math
			diff := newPrice.Sub(prev.Price).Abs()
			if diff.Mul(decimal.NewFromInt(10000)).GreaterThan(prev.Price.Mul(decimal.NewFromInt(maxBps))) {
				return ErrMaxDeviationExceeded
			}
			round = prev.Round + 1
		} else {
			round = 1
		}

		rec := &models.NavRecord{
			Round:           round,
			Price:           newPrice,
			Source:          source,
			Updater:         a.Actor(),
			MaxDeviationBps: maxBps,
			MinInterval:     int64(minInterval.Seconds()),
			CreatedAt:       time.Now(),
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to store NAV record: %w", err)
		}

		return r.recorder.Record(ctx, tx, events.TypeNavUpdated, a.Actor(), "", newPrice.String(), fmt.Sprintf("%d", round), source)
	})
	if err != nil {
		metrics.NavUpdates.WithLabelValues("rejected").Inc()
		return 0, err
	}

	metrics.NavUpdates.WithLabelValues("accepted").Inc()
	metrics.SharePrice.Set(priceForDisplay(newPrice))
	r.logger.Info("NAV updated",
		zap.Int64("round", round),
		zap.String("price", newPrice.String()),
		zap.String("source", source),
		zap.String("updater", a.Actor()))

	return round, nil
}

// SetMaxDeviation changes the deviation bound. Admin only. The override is
// persisted so it survives restarts.
func (r *Reporter) SetMaxDeviation(ctx context.Context, bps int64, a auth.Context) error {
	if !a.Can(auth.CapNavAdmin) {
		return ErrUnauthorized
	}
	if bps <= 0 || bps > 10000 {
		return ErrInvalidPrice.Explain("max deviation must be within (0, 10000] bps, got %d", bps)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var setting models.NavSetting
		findErr := tx.First(&setting).Error
		if findErr != nil && findErr != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to load NAV settings: %w", findErr)
		}
		setting.MaxDeviationBps = bps
		setting.UpdatedAt = time.Now()
		return tx.Save(&setting).Error
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.maxDeviationBps = bps
	r.mu.Unlock()
	r.logger.Info("NAV max deviation changed", zap.Int64("bps", bps), zap.String("by", a.Actor()))
	return nil
}

// SetUpdater grants or revokes NAV update authority. Admin only.
func (r *Reporter) SetUpdater(ctx context.Context, addr string, isAuthorized bool, a auth.Context) error {
	if !a.Can(auth.CapNavAdmin) {
		return ErrUnauthorized
	}
	if addr == "" {
		return ErrInvalidSource.Explain("updater address must not be empty")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var up models.NavUpdater
		findErr := tx.Where("address = ?", addr).First(&up).Error
		if findErr == gorm.ErrRecordNotFound {
			up = models.NavUpdater{Address: addr}
		} else if findErr != nil {
			return fmt.Errorf("failed to load updater: %w", findErr)
		}
		up.Authorized = isAuthorized
		up.UpdatedAt = time.Now()
		return tx.Save(&up).Error
	})
	if err != nil {
		return err
	}

	r.logger.Info("NAV updater changed",
		zap.String("address", addr),
		zap.Bool("authorized", isAuthorized),
		zap.String("by", a.Actor()))
	return nil
}

func (r *Reporter) isAuthorizedUpdater(ctx context.Context, addr string) (bool, error) {
	var up models.NavUpdater
	err := r.db.WithContext(ctx).Where("address = ?", addr).First(&up).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check updater: %w", err)
	}
	return up.Authorized, nil
}

// priceForDisplay scales an 18-decimal fixed point price for gauges only;
// ledger math never goes through this.
func priceForDisplay(p decimal.Decimal) float64 {
	f, _ := p.Div(decimal.New(1, 18)).Float64()
	return f
}
