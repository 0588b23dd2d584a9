// Package ledger converts collateral deposits to shares and shares to
// settlement-asset claims using the NAV reporter's price, and maintains the
// pooled settlement-asset liquidity redemptions are paid from.
//
// Share math is 18-decimal fixed point with floor division everywhere: no
// rounding ever favors the depositor beyond one base unit of a share.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/collateral"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/oracle"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/rules"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/metrics"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

var (
	ErrZeroAmount            = collateral.ErrZeroAmount
	ErrAssetNotSupported     = collateral.ErrAssetNotSupported
	ErrInsufficientLiquidity = collateral.ErrInsufficientBalance
	ErrInvalidAddress        = vaulterrors.E(vaulterrors.KindValidation, "INVALID_ADDRESS", "address is not a valid hex address")
	ErrInsufficientShares    = vaulterrors.E(vaulterrors.KindValidation, "INSUFFICIENT_SHARES", "owner holds fewer shares than requested")
	ErrUnauthorized          = vaulterrors.E(vaulterrors.KindAuthorization, "UNAUTHORIZED", "caller may not manage liquidity")
	ErrRuleRejected          = vaulterrors.E(vaulterrors.KindAuthorization, "RULE_REJECTED", "operation rejected by authorization rule")
	// ErrWithdrawalQueued signals a direct withdrawal was converted into a
	// queued redemption. It is a redirect, not a denial.
	ErrWithdrawalQueued = vaulterrors.E(vaulterrors.KindResource, "WITHDRAWAL_QUEUED", rules.ReasonWithdrawalQueued)
)

var scale18 = decimal.New(1, 18)

// Service is the vault ledger.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	registry *collateral.Registry
	reporter *oracle.Reporter
	engine   *rules.Engine
	recorder *events.Recorder
}

// NewService creates the vault ledger.
func NewService(logger *zap.Logger, db *gorm.DB, registry *collateral.Registry, reporter *oracle.Reporter, engine *rules.Engine, recorder *events.Recorder) (*Service, error) {
	svc := &Service{
		logger:   logger,
		db:       db,
		registry: registry,
		reporter: reporter,
		engine:   engine,
		recorder: recorder,
	}
	if err := svc.ensureState(context.Background()); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) ensureState(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.VaultState
		err := tx.First(&state).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(&models.VaultState{TotalShares: decimal.Zero, UpdatedAt: time.Now()}).Error
		}
		return err
	})
}

// NormalizeAddress canonicalizes a hex address for use as an owner key.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress.Explain("malformed address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// computeShares applies shares = normalized(amount) * 1e18 / price with
// floor division.
func computeShares(amount decimal.Decimal, assetDecimals int32, price decimal.Decimal) decimal.Decimal {
	normalized := collateral.ScaleToCommon(amount, assetDecimals)
	q, _ := normalized.Mul(scale18).QuoRem(price, 0)
	return q
}

// computeAssets applies assets = shares * price / 1e18, rescaled down to the
// settlement asset's precision with floor division.
func computeAssets(shares decimal.Decimal, price decimal.Decimal, settlementDecimals int32) decimal.Decimal {
	v18, _ := shares.Mul(price).QuoRem(scale18, 0)
	return collateral.Rescale(v18, 18, settlementDecimals)
}

// PreviewDeposit is a pure read of the deposit share formula. Callers use it
// to validate expected output before committing; a subsequent deposit of the
// same amount at the same round yields exactly this value.
func (s *Service) PreviewDeposit(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() || !amount.IsInteger() {
		return decimal.Zero, ErrZeroAmount
	}
	rec, err := s.registry.Get(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if !rec.Active {
		return decimal.Zero, ErrAssetNotSupported
	}
	price, err := s.reporter.CurrentPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return computeShares(amount, rec.Decimals, price), nil
}

// PreviewRedeem returns the settlement-asset value of the given shares at
// the current NAV.
func (s *Service) PreviewRedeem(ctx context.Context, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() || !shares.IsInteger() {
		return decimal.Zero, ErrZeroAmount
	}
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := s.reporter.CurrentPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return computeAssets(shares, price, settlement.Decimals), nil
}

// DepositCollateral prices a collateral deposit against the current NAV and
// mints shares to the receiver. Total shares issued strictly increases by
// exactly the computed amount.
func (s *Service) DepositCollateral(ctx context.Context, asset string, amount decimal.Decimal, receiver string) (decimal.Decimal, error) {
	if !amount.IsPositive() || !amount.IsInteger() {
		return decimal.Zero, ErrZeroAmount
	}
	owner, err := NormalizeAddress(receiver)
	if err != nil {
		return decimal.Zero, err
	}

	assetRec, err := s.registry.Get(ctx, asset)
	if err != nil {
		if vaulterrors.Is(err, collateral.ErrNotFound) {
			return decimal.Zero, ErrAssetNotSupported
		}
		return decimal.Zero, err
	}
	if !assetRec.Active {
		return decimal.Zero, ErrAssetNotSupported
	}

	decision := s.engine.Evaluate(ctx, rules.OpDeposit, rules.Request{
		Asset:    asset,
		Owner:    owner,
		Receiver: owner,
		Amount:   collateral.ScaleToCommon(amount, assetRec.Decimals),
	})
	if !decision.Approved {
		return decimal.Zero, ErrRuleRejected.Explain("%s", decision.Reason)
	}

	price, err := s.reporter.CurrentPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	shares := computeShares(amount, assetRec.Decimals, price)
	if !shares.IsPositive() {
		return decimal.Zero, ErrZeroAmount.Explain("deposit too small to mint any shares")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.registry.Deposit(ctx, tx, asset, amount, owner); err != nil {
			return err
		}
		return s.mint(tx, owner, shares)
	})
	if err != nil {
		return decimal.Zero, err
	}

	metrics.DepositsProcessed.WithLabelValues(assetRec.Symbol).Inc()
	s.publishShareGauge(ctx)
	s.logger.Info("collateral deposited",
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("receiver", owner),
		zap.String("shares", shares.String()))

	return shares, nil
}

// Withdraw attempts a direct withdrawal of shares. With the redirect rule
// installed the attempt is converted into a queued redemption and
// ErrWithdrawalQueued is returned together with the queued request id.
func (s *Service) Withdraw(ctx context.Context, owner string, shares decimal.Decimal) (uuid.UUID, error) {
	if !shares.IsPositive() || !shares.IsInteger() {
		return uuid.Nil, ErrZeroAmount
	}
	ownerAddr, err := NormalizeAddress(owner)
	if err != nil {
		return uuid.Nil, err
	}

	held, err := s.SharesOf(ctx, ownerAddr)
	if err != nil {
		return uuid.Nil, err
	}
	if held.LessThan(shares) {
		return uuid.Nil, ErrInsufficientShares
	}

	decision := s.engine.Evaluate(ctx, rules.OpWithdraw, rules.Request{
		Owner:  ownerAddr,
		Shares: shares,
	})
	if !decision.Approved {
		if decision.Reason == rules.ReasonWithdrawalQueued {
			id, parseErr := uuid.Parse(decision.Ref)
			if parseErr != nil {
				return uuid.Nil, fmt.Errorf("redirect rule returned malformed request id: %w", parseErr)
			}
			return id, ErrWithdrawalQueued
		}
		return uuid.Nil, ErrRuleRejected.Explain("%s", decision.Reason)
	}

	// No redirect rule installed: settle synchronously at the current NAV.
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	price, err := s.reporter.CurrentPrice(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	assets := computeAssets(shares, price, settlement.Decimals)
	if err := s.SettleRedemption(ctx, ownerAddr, shares, assets, "direct"); err != nil {
		return uuid.Nil, err
	}
	return uuid.Nil, nil
}

// TransferShares moves shares between owners, subject to the rule chain.
func (s *Service) TransferShares(ctx context.Context, from, to string, shares decimal.Decimal) error {
	if !shares.IsPositive() || !shares.IsInteger() {
		return ErrZeroAmount
	}
	fromAddr, err := NormalizeAddress(from)
	if err != nil {
		return err
	}
	toAddr, err := NormalizeAddress(to)
	if err != nil {
		return err
	}

	decision := s.engine.Evaluate(ctx, rules.OpTransfer, rules.Request{
		Owner:    fromAddr,
		Receiver: toAddr,
		Shares:   shares,
	})
	if !decision.Approved {
		return ErrRuleRejected.Explain("%s", decision.Reason)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fromPos models.VaultPosition
		if err := tx.Where("owner = ?", fromAddr).First(&fromPos).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrInsufficientShares
			}
			return fmt.Errorf("failed to load position: %w", err)
		}
		if fromPos.Shares.LessThan(shares) {
			return ErrInsufficientShares
		}
		fromPos.Shares = fromPos.Shares.Sub(shares)
		fromPos.UpdatedAt = time.Now()
		if err := tx.Save(&fromPos).Error; err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}
		if err := s.credit(tx, toAddr, shares); err != nil {
			return err
		}
		return nil
	})
}

// AddLiquidity credits the settlement-asset pool redemptions are paid from.
func (s *Service) AddLiquidity(ctx context.Context, amount decimal.Decimal, a auth.Context) error {
	if !a.Can(auth.CapLiquidityManage) {
		return ErrUnauthorized
	}
	if !amount.IsPositive() || !amount.IsInteger() {
		return ErrZeroAmount
	}
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.registry.Credit(tx, settlement.Address, amount); err != nil {
			return err
		}
		return s.recorder.Record(ctx, tx, events.TypeLiquidityAdded, a.Actor(), settlement.Address, amount.String(), "", "")
	})
	if err != nil {
		return err
	}
	s.publishLiquidityGauge(ctx)
	s.logger.Info("liquidity added", zap.String("amount", amount.String()), zap.String("by", a.Actor()))
	return nil
}

// RemoveLiquidity debits the settlement-asset pool. Fails with
// InsufficientLiquidity if the pool holds less than the requested amount.
func (s *Service) RemoveLiquidity(ctx context.Context, amount decimal.Decimal, to string, a auth.Context) error {
	if !a.Can(auth.CapLiquidityManage) {
		return ErrUnauthorized
	}
	if !amount.IsPositive() || !amount.IsInteger() {
		return ErrZeroAmount
	}
	if _, err := NormalizeAddress(to); err != nil {
		return err
	}
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.registry.Debit(tx, settlement.Address, amount); err != nil {
			return err
		}
		return s.recorder.Record(ctx, tx, events.TypeLiquidityRemoved, a.Actor(), settlement.Address, amount.String(), "", to)
	})
	if err != nil {
		return err
	}
	s.publishLiquidityGauge(ctx)
	s.logger.Info("liquidity removed",
		zap.String("amount", amount.String()),
		zap.String("to", to),
		zap.String("by", a.Actor()))
	return nil
}

// AvailableLiquidity reads the settlement asset's balance directly. This is
// the hard ceiling for redemption settlement.
func (s *Service) AvailableLiquidity(ctx context.Context) (decimal.Decimal, error) {
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return settlement.Balance, nil
}

// TotalShares returns total shares issued.
func (s *Service) TotalShares(ctx context.Context) (decimal.Decimal, error) {
	var state models.VaultState
	if err := s.db.WithContext(ctx).First(&state).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to load vault state: %w", err)
	}
	return state.TotalShares, nil
}

// SharesOf returns an owner's share balance.
func (s *Service) SharesOf(ctx context.Context, owner string) (decimal.Decimal, error) {
	ownerAddr, err := NormalizeAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	var pos models.VaultPosition
	findErr := s.db.WithContext(ctx).Where("owner = ?", ownerAddr).First(&pos).Error
	if findErr == gorm.ErrRecordNotFound {
		return decimal.Zero, nil
	}
	if findErr != nil {
		return decimal.Zero, fmt.Errorf("failed to load position: %w", findErr)
	}
	return pos.Shares, nil
}

// SettleRedemption burns the owner's shares and pays out settlement assets
// in one atomic transaction. Used by the redemption queue and by direct
// withdrawals when no redirect rule is installed.
func (s *Service) SettleRedemption(ctx context.Context, owner string, shares, assets decimal.Decimal, txRef string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.SettleInTx(ctx, tx, owner, shares, assets, txRef)
	})
	if err != nil {
		return err
	}

	s.publishShareGauge(ctx)
	s.publishLiquidityGauge(ctx)
	return nil
}

// SettleInTx performs the burn and liquidity debit inside the caller's
// transaction, so the redemption queue can commit the payout atomically with
// the request's status transition. The settlement address must belong to the
// registered settlement asset.
func (s *Service) SettleInTx(ctx context.Context, tx *gorm.DB, owner string, shares, assets decimal.Decimal, txRef string) error {
	ownerAddr, err := NormalizeAddress(owner)
	if err != nil {
		return err
	}
	settlement, err := s.registry.Settlement(ctx)
	if err != nil {
		return err
	}
	if err := s.burn(tx, ownerAddr, shares); err != nil {
		return err
	}
	if assets.IsPositive() {
		if err := s.registry.Debit(tx, settlement.Address, assets); err != nil {
			return err
		}
	}
	return s.recorder.Record(ctx, tx, events.TypeWithdrawal, ownerAddr, settlement.Address, assets.String(), txRef, "")
}

// RefreshGauges republishes the share and liquidity gauges after an external
// settlement commit.
func (s *Service) RefreshGauges(ctx context.Context) {
	s.publishShareGauge(ctx)
	s.publishLiquidityGauge(ctx)
}

// mint credits shares to an owner and bumps total issuance inside the
// caller's transaction.
func (s *Service) mint(tx *gorm.DB, owner string, shares decimal.Decimal) error {
	if err := s.credit(tx, owner, shares); err != nil {
		return err
	}
	var state models.VaultState
	if err := tx.First(&state).Error; err != nil {
		return fmt.Errorf("failed to load vault state: %w", err)
	}
	state.TotalShares = state.TotalShares.Add(shares)
	state.UpdatedAt = time.Now()
	if err := tx.Save(&state).Error; err != nil {
		return fmt.Errorf("failed to save vault state: %w", err)
	}
	return nil
}

// burn debits shares from an owner and lowers total issuance inside the
// caller's transaction.
func (s *Service) burn(tx *gorm.DB, owner string, shares decimal.Decimal) error {
	var pos models.VaultPosition
	if err := tx.Where("owner = ?", owner).First(&pos).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrInsufficientShares
		}
		return fmt.Errorf("failed to load position: %w", err)
	}
	if pos.Shares.LessThan(shares) {
		return ErrInsufficientShares
	}
	pos.Shares = pos.Shares.Sub(shares)
	pos.UpdatedAt = time.Now()
	if err := tx.Save(&pos).Error; err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}

	var state models.VaultState
	if err := tx.First(&state).Error; err != nil {
		return fmt.Errorf("failed to load vault state: %w", err)
	}
	state.TotalShares = state.TotalShares.Sub(shares)
	state.UpdatedAt = time.Now()
	if err := tx.Save(&state).Error; err != nil {
		return fmt.Errorf("failed to save vault state: %w", err)
	}
	return nil
}

func (s *Service) credit(tx *gorm.DB, owner string, shares decimal.Decimal) error {
	var pos models.VaultPosition
	err := tx.Where("owner = ?", owner).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		pos = models.VaultPosition{Owner: owner, Shares: decimal.Zero, CreatedAt: time.Now()}
	} else if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}
	pos.Shares = pos.Shares.Add(shares)
	pos.UpdatedAt = time.Now()
	if err := tx.Save(&pos).Error; err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (s *Service) publishShareGauge(ctx context.Context) {
	if total, err := s.TotalShares(ctx); err == nil {
		f, _ := total.Div(scale18).Float64()
		metrics.TotalShares.Set(f)
	}
}

func (s *Service) publishLiquidityGauge(ctx context.Context) {
	if liq, err := s.AvailableLiquidity(ctx); err == nil {
		f, _ := liq.Float64()
		metrics.AvailableLiquidity.Set(f)
	}
}
