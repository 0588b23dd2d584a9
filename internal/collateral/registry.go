// Package collateral tracks which assets may be deposited, their decimal
// precision, and current balances. Exactly one settlement asset exists and
// can never be removed; removing any other asset only blocks new deposits,
// it does not force its balance to zero.
package collateral

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

var (
	ErrUnauthorized        = vaulterrors.E(vaulterrors.KindAuthorization, "UNAUTHORIZED", "caller may not manage collateral assets")
	ErrAlreadyActive       = vaulterrors.E(vaulterrors.KindConsistency, "ALREADY_ACTIVE", "asset is already registered and active")
	ErrDecimalMismatch     = vaulterrors.E(vaulterrors.KindValidation, "DECIMAL_MISMATCH", "asset decimal precision does not match the required precision")
	ErrIsSettlementAsset   = vaulterrors.E(vaulterrors.KindConsistency, "IS_SETTLEMENT_ASSET", "the settlement asset cannot be removed")
	ErrAssetNotSupported   = vaulterrors.E(vaulterrors.KindValidation, "ASSET_NOT_SUPPORTED", "asset is not registered or no longer accepts deposits")
	ErrZeroAmount          = vaulterrors.E(vaulterrors.KindValidation, "ZERO_AMOUNT", "amount must be a positive integer")
	ErrInsufficientBalance = vaulterrors.E(vaulterrors.KindResource, "INSUFFICIENT_LIQUIDITY", "asset balance is lower than the requested amount")
	ErrNotFound            = vaulterrors.E(vaulterrors.KindNotFound, "ASSET_NOT_FOUND", "asset is not registered")
)

// Registry is the collateral asset store.
type Registry struct {
	logger   *zap.Logger
	db       *gorm.DB
	recorder *events.Recorder
}

// NewRegistry creates a collateral registry.
func NewRegistry(logger *zap.Logger, db *gorm.DB, recorder *events.Recorder) *Registry {
	return &Registry{logger: logger, db: db, recorder: recorder}
}

// EnsureSettlementAsset registers the settlement asset on first boot. It is
// idempotent and never demotes an existing settlement asset.
func (r *Registry) EnsureSettlementAsset(ctx context.Context, address, symbol string, decimals int32) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.CollateralAsset
		err := tx.Where("is_settlement = ?", true).First(&existing).Error
		if err == nil {
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("failed to check settlement asset: %w", err)
		}
		asset := &models.CollateralAsset{
			Address:      address,
			Symbol:       symbol,
			Decimals:     decimals,
			Active:       true,
			IsSettlement: true,
			Balance:      decimal.Zero,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if err := tx.Create(asset).Error; err != nil {
			return fmt.Errorf("failed to create settlement asset: %w", err)
		}
		r.logger.Info("settlement asset registered",
			zap.String("address", address),
			zap.String("symbol", symbol),
			zap.Int32("decimals", decimals))
		return nil
	})
}

// AddAsset registers a deposit asset, or reactivates a previously removed
// one. The asset's reported decimal precision is verified against
// requiredDecimals rather than assumed, since a mismatch silently corrupts
// share math.
func (r *Registry) AddAsset(ctx context.Context, address, symbol string, reportedDecimals, requiredDecimals int32, a auth.Context) error {
	if !a.Can(auth.CapAssetsManage) {
		return ErrUnauthorized
	}
	if address == "" {
		return ErrAssetNotSupported.Explain("asset address must not be empty")
	}
	if reportedDecimals != requiredDecimals {
		return ErrDecimalMismatch.Explain("asset reports %d decimals, %d required", reportedDecimals, requiredDecimals)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.CollateralAsset
		findErr := tx.Where("address = ?", address).First(&asset).Error
		switch {
		case findErr == gorm.ErrRecordNotFound:
			asset = models.CollateralAsset{
				Address:   address,
				Symbol:    symbol,
				Decimals:  requiredDecimals,
				Active:    true,
				Balance:   decimal.Zero,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(&asset).Error; err != nil {
				return fmt.Errorf("failed to create asset: %w", err)
			}
		case findErr != nil:
			return fmt.Errorf("failed to check asset: %w", findErr)
		case asset.Active:
			return ErrAlreadyActive
		default:
			if asset.Decimals != requiredDecimals {
				return ErrDecimalMismatch.Explain("asset is registered with %d decimals, %d required", asset.Decimals, requiredDecimals)
			}
			asset.Active = true
			asset.UpdatedAt = time.Now()
			if err := tx.Save(&asset).Error; err != nil {
				return fmt.Errorf("failed to reactivate asset: %w", err)
			}
		}
		return r.recorder.Record(ctx, tx, events.TypeCollateralAdded, a.Actor(), address, "", "", symbol)
	})
	if err != nil {
		return err
	}

	r.logger.Info("collateral asset added",
		zap.String("address", address),
		zap.String("symbol", symbol),
		zap.Int32("decimals", requiredDecimals),
		zap.String("by", a.Actor()))
	return nil
}

// RemoveAsset deactivates an asset so new deposits are rejected. Existing
// balance is left in place.
func (r *Registry) RemoveAsset(ctx context.Context, address string, a auth.Context) error {
	if !a.Can(auth.CapAssetsManage) {
		return ErrUnauthorized
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.CollateralAsset
		if err := tx.Where("address = ?", address).First(&asset).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load asset: %w", err)
		}
		if asset.IsSettlement {
			return ErrIsSettlementAsset
		}
		asset.Active = false
		asset.UpdatedAt = time.Now()
		if err := tx.Save(&asset).Error; err != nil {
			return fmt.Errorf("failed to deactivate asset: %w", err)
		}
		return r.recorder.Record(ctx, tx, events.TypeCollateralRemoved, a.Actor(), address, "", "", asset.Symbol)
	})
	if err != nil {
		return err
	}

	r.logger.Info("collateral asset removed", zap.String("address", address), zap.String("by", a.Actor()))
	return nil
}

// Get returns a registered asset whether or not it is active.
func (r *Registry) Get(ctx context.Context, address string) (*models.CollateralAsset, error) {
	var asset models.CollateralAsset
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&asset).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	return &asset, nil
}

// List returns all registered assets.
func (r *Registry) List(ctx context.Context) ([]*models.CollateralAsset, error) {
	var assets []*models.CollateralAsset
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// Settlement returns the settlement asset.
func (r *Registry) Settlement(ctx context.Context) (*models.CollateralAsset, error) {
	var asset models.CollateralAsset
	err := r.db.WithContext(ctx).Where("is_settlement = ?", true).First(&asset).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settlement asset: %w", err)
	}
	return &asset, nil
}

// BalanceOf returns the tracked balance for an asset in its own base units.
func (r *Registry) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	asset, err := r.Get(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return asset.Balance, nil
}

// TotalCollateralValue sums all active asset balances under a 1:1
// BTC-denominated valuation, scaled to 18 decimals.
func (r *Registry) TotalCollateralValue(ctx context.Context) (decimal.Decimal, error) {
	var assets []*models.CollateralAsset
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&assets).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to list active assets: %w", err)
	}
	total := decimal.Zero
	for _, asset := range assets {
		total = total.Add(ScaleToCommon(asset.Balance, asset.Decimals))
	}
	return total, nil
}

// Deposit records an inbound transfer inside the caller's transaction and
// emits the deposit event. The asset must be registered and active.
func (r *Registry) Deposit(ctx context.Context, tx *gorm.DB, address string, amount decimal.Decimal, from string) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return ErrZeroAmount
	}
	var asset models.CollateralAsset
	if err := tx.Where("address = ?", address).First(&asset).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrAssetNotSupported
		}
		return fmt.Errorf("failed to load asset: %w", err)
	}
	if !asset.Active {
		return ErrAssetNotSupported
	}
	asset.Balance = asset.Balance.Add(amount)
	asset.UpdatedAt = time.Now()
	if err := tx.Save(&asset).Error; err != nil {
		return fmt.Errorf("failed to credit asset balance: %w", err)
	}
	return r.recorder.Record(ctx, tx, events.TypeDeposit, from, address, amount.String(), "", "")
}

// Credit adds to an asset balance inside the caller's transaction without
// emitting an event; used for operator liquidity management.
func (r *Registry) Credit(tx *gorm.DB, address string, amount decimal.Decimal) error {
	var asset models.CollateralAsset
	if err := tx.Where("address = ?", address).First(&asset).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load asset: %w", err)
	}
	asset.Balance = asset.Balance.Add(amount)
	asset.UpdatedAt = time.Now()
	if err := tx.Save(&asset).Error; err != nil {
		return fmt.Errorf("failed to credit asset balance: %w", err)
	}
	return nil
}

// Debit subtracts from an asset balance inside the caller's transaction.
func (r *Registry) Debit(tx *gorm.DB, address string, amount decimal.Decimal) error {
	var asset models.CollateralAsset
	if err := tx.Where("address = ?", address).First(&asset).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load asset: %w", err)
	}
	if asset.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	asset.Balance = asset.Balance.Sub(amount)
	asset.UpdatedAt = time.Now()
	if err := tx.Save(&asset).Error; err != nil {
		return fmt.Errorf("failed to debit asset balance: %w", err)
	}
	return nil
}

// ScaleToCommon rescales an amount from the asset's precision to the 18
// decimal common precision. Scaling down floors toward zero.
func ScaleToCommon(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return Rescale(amount, decimals, 18)
}

// Rescale converts an integer base-unit amount between decimal precisions.
// Scaling down floors toward zero so no rounding ever favors the caller.
func Rescale(amount decimal.Decimal, from, to int32) decimal.Decimal {
	if from == to {
		return amount
	}
	if to > from {
		return amount.Mul(decimal.New(1, to-from))
	}
	q, _ := amount.QuoRem(decimal.New(1, from-to), 0)
	return q
}
