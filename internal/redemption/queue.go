// Package redemption implements the managed redemption queue: signed
// off-chain requests move through a multi-state lifecycle and settle against
// the vault ledger's liquidity pool at the NAV current at settlement time.
package redemption

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/auth"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/events"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/internal/ledger"
	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/metrics"
	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/models"
)

var (
	ErrUnauthorized          = vaulterrors.E(vaulterrors.KindAuthorization, "UNAUTHORIZED", "caller may not operate the redemption queue")
	ErrValidationFailed      = vaulterrors.E(vaulterrors.KindValidation, "VALIDATION_FAILED", "redemption request is malformed")
	ErrNonceReused           = vaulterrors.E(vaulterrors.KindConsistency, "NONCE_REUSED", "a request with this owner and nonce already exists")
	ErrExpired               = vaulterrors.E(vaulterrors.KindConsistency, "EXPIRED", "request deadline has elapsed")
	ErrNotFound              = vaulterrors.E(vaulterrors.KindNotFound, "REQUEST_NOT_FOUND", "redemption request does not exist")
	ErrNotPending            = vaulterrors.E(vaulterrors.KindConsistency, "NOT_PENDING", "request is not in the pending state")
	ErrNotApproved           = vaulterrors.E(vaulterrors.KindConsistency, "NOT_APPROVED", "request is not in the approved state")
	ErrNotFailed             = vaulterrors.E(vaulterrors.KindConsistency, "NOT_FAILED", "request is not in a retryable failed state")
	ErrSlippageExceeded      = vaulterrors.E(vaulterrors.KindResource, "SLIPPAGE_EXCEEDED", "settlement value fell below the owner's minimum")
	ErrRetriesExhausted      = vaulterrors.E(vaulterrors.KindTerminal, "RETRIES_EXHAUSTED", "settlement retries are exhausted; manual intervention required")
	ErrTerminalState         = vaulterrors.E(vaulterrors.KindConsistency, "TERMINAL_STATE", "request is in a terminal state")
	ErrInsufficientLiquidity = ledger.ErrInsufficientLiquidity
)

// redirectTTL bounds how long a queue-originated (redirected) withdrawal
// stays actionable before lazy expiry.
const redirectTTL = 7 * 24 * time.Hour

// SubmitParams is a signed redemption submission.
type SubmitParams struct {
	Owner        string
	ShareAmount  decimal.Decimal
	MinAssetsOut decimal.Decimal
	Nonce        uint64
	Deadline     time.Time
	Signature    []byte
	Priority     int
}

// Service is the redemption queue.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	ledger     *ledger.Service
	recorder   *events.Recorder
	verifier   Verifier
	domain     Domain
	deployment string
	maxRetries int
}

// NewService creates the redemption queue service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service, recorder *events.Recorder, verifier Verifier, domain Domain, deployment string, maxRetries int) *Service {
	return &Service{
		logger:     logger,
		db:         db,
		ledger:     ledgerSvc,
		recorder:   recorder,
		verifier:   verifier,
		domain:     domain,
		deployment: deployment,
		maxRetries: maxRetries,
	}
}

// Submit validates a signed request and queues it PENDING. The (owner,
// nonce) pair is reserved atomically with creation: the table's unique index
// is the sole source of truth, so two concurrent submissions with the same
// nonce admit exactly one request.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.RedemptionRequest, error) {
	owner, err := ledger.NormalizeAddress(p.Owner)
	if err != nil {
		return nil, ErrValidationFailed.Explain("malformed owner address %q", p.Owner)
	}
	if !p.ShareAmount.IsPositive() || !p.ShareAmount.IsInteger() {
		return nil, ErrValidationFailed.Explain("share amount must be a positive integer")
	}
	if p.MinAssetsOut.IsNegative() {
		return nil, ErrValidationFailed.Explain("minimum assets out must not be negative")
	}
	if !p.Deadline.After(time.Now()) {
		return nil, ErrExpired
	}

	digest := Digest(s.domain, Payload{
		Owner:        common.HexToAddress(owner),
		ShareAmount:  p.ShareAmount.BigInt(),
		MinAssetsOut: p.MinAssetsOut.BigInt(),
		Nonce:        p.Nonce,
		Deadline:     p.Deadline.Unix(),
	})
	if err := s.verifier.Verify(digest, p.Signature, common.HexToAddress(owner)); err != nil {
		return nil, err
	}

	req := &models.RedemptionRequest{
		ID:            uuid.New(),
		Deployment:    s.deployment,
		Owner:         owner,
		Nonce:         p.Nonce,
		ShareAmount:   p.ShareAmount,
		MinAssetsOut:  p.MinAssetsOut,
		Signature:     "0x" + common.Bytes2Hex(p.Signature),
		Deadline:      p.Deadline,
		Status:        models.RedemptionPending,
		Priority:      p.Priority,
		SettledAmount: decimal.Zero,
	}
	if err := s.insert(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// EnqueueWithdrawal queues an unsigned, queue-originated redemption on the
// owner's behalf. Implements the withdrawal-redirect rule's enqueuer.
func (s *Service) EnqueueWithdrawal(ctx context.Context, owner string, shares decimal.Decimal) (uuid.UUID, error) {
	ownerAddr, err := ledger.NormalizeAddress(owner)
	if err != nil {
		return uuid.Nil, err
	}
	if !shares.IsPositive() || !shares.IsInteger() {
		return uuid.Nil, ErrValidationFailed.Explain("share amount must be a positive integer")
	}
	req := &models.RedemptionRequest{
		ID:            uuid.New(),
		Deployment:    s.deployment,
		Owner:         ownerAddr,
		Nonce:         uint64(time.Now().UnixNano()),
		ShareAmount:   shares,
		MinAssetsOut:  decimal.Zero,
		Deadline:      time.Now().Add(redirectTTL),
		Status:        models.RedemptionPending,
		SettledAmount: decimal.Zero,
		OperatorNotes: "redirected from direct withdrawal",
	}
	if err := s.insert(ctx, req); err != nil {
		return uuid.Nil, err
	}
	return req.ID, nil
}

func (s *Service) insert(ctx context.Context, req *models.RedemptionRequest) error {
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup int64
		if err := tx.Model(&models.RedemptionRequest{}).
			Where("deployment = ? AND owner = ? AND nonce = ?", req.Deployment, req.Owner, req.Nonce).
			Count(&dup).Error; err != nil {
			return fmt.Errorf("failed to check nonce: %w", err)
		}
		if dup > 0 {
			return ErrNonceReused
		}

		var pending int64
		if err := tx.Model(&models.RedemptionRequest{}).
			Where("deployment = ? AND status = ?", req.Deployment, models.RedemptionPending).
			Count(&pending).Error; err != nil {
			return fmt.Errorf("failed to count pending requests: %w", err)
		}
		req.QueuePosition = pending + 1

		if err := tx.Create(req).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrNonceReused
			}
			return fmt.Errorf("failed to create request: %w", err)
		}
		return s.recorder.Record(ctx, tx, events.TypeRedemptionRequested, req.Owner, "", req.ShareAmount.String(), req.ID.String(), "")
	})
	if err != nil {
		return err
	}

	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionPending)).Inc()
	s.logger.Info("redemption request queued",
		zap.String("id", req.ID.String()),
		zap.String("owner", req.Owner),
		zap.String("shares", req.ShareAmount.String()),
		zap.Int64("queue_position", req.QueuePosition))
	return nil
}

// isUniqueViolation detects the unique-index race loser across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// Get returns a request, applying lazy expiry first.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.RedemptionRequest, error) {
	var req models.RedemptionRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		_, err := s.expireIfDue(ctx, tx, &req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests filtered by status and owner, newest first. Limit is
// capped at 100. Expiry is evaluated per returned row so a lapsed
// PENDING/APPROVED request is never presented as actionable.
func (s *Service) List(ctx context.Context, status models.RedemptionStatus, owner string, page, limit int) ([]*models.RedemptionRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	query := s.db.WithContext(ctx).Model(&models.RedemptionRequest{}).Where("deployment = ?", s.deployment)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if owner != "" {
		ownerAddr, err := ledger.NormalizeAddress(owner)
		if err != nil {
			return nil, 0, err
		}
		query = query.Where("owner = ?", ownerAddr)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	var reqs []*models.RedemptionRequest
	if err := query.Order("created_at DESC").Limit(limit).Offset((page - 1) * limit).Find(&reqs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}

	for _, req := range reqs {
		req.Status = EffectiveStatus(req)
	}
	return reqs, total, nil
}

// EffectiveStatus treats a lapsed PENDING/APPROVED request as expired even
// before its stored status is updated.
func EffectiveStatus(req *models.RedemptionRequest) models.RedemptionStatus {
	if (req.Status == models.RedemptionPending || req.Status == models.RedemptionApproved) &&
		!req.Deadline.After(time.Now()) {
		return models.RedemptionExpired
	}
	return req.Status
}

// Approve transitions PENDING → APPROVED.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, a auth.Context) error {
	if !a.Can(auth.CapRedemptionsAdmin) {
		return ErrUnauthorized
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.RedemptionRequest
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		expired, err := s.expireIfDue(ctx, tx, &req)
		if err != nil {
			return err
		}
		if expired {
			return ErrExpired
		}
		if req.Status != models.RedemptionPending {
			return ErrNotPending
		}
		req.Status = models.RedemptionApproved
		req.UpdatedAt = time.Now()
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		return s.recorder.Record(ctx, tx, events.TypeRedemptionApproved, a.Actor(), "", req.ShareAmount.String(), req.ID.String(), "")
	})
	if err != nil {
		return err
	}
	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionApproved)).Inc()
	s.logger.Info("redemption approved", zap.String("id", id.String()), zap.String("by", a.Actor()))
	return nil
}

// Reject transitions PENDING|APPROVED → REJECTED with the reason persisted.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string, a auth.Context) error {
	if !a.Can(auth.CapRedemptionsAdmin) {
		return ErrUnauthorized
	}
	return s.terminate(ctx, id, models.RedemptionRejected, events.TypeRedemptionRejected, reason, a.Actor())
}

// Cancel transitions PENDING|APPROVED → CANCELLED. The owner may cancel
// their own request; anyone else needs operator capability.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, a auth.Context) error {
	if !a.Can(auth.CapRedemptionsAdmin) {
		req, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		actor, err := ledger.NormalizeAddress(a.Actor())
		if err != nil || actor != req.Owner {
			return ErrUnauthorized
		}
	}
	return s.terminate(ctx, id, models.RedemptionCancelled, events.TypeRedemptionCancelled, reason, a.Actor())
}

func (s *Service) terminate(ctx context.Context, id uuid.UUID, target models.RedemptionStatus, eventType, reason, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.RedemptionRequest
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		expired, err := s.expireIfDue(ctx, tx, &req)
		if err != nil {
			return err
		}
		if expired {
			return ErrExpired
		}
		if req.Status != models.RedemptionPending && req.Status != models.RedemptionApproved {
			if req.Status.Terminal() {
				return ErrTerminalState
			}
			return ErrNotPending
		}
		req.Status = target
		req.RejectionReason = reason
		req.UpdatedAt = time.Now()
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		return s.recorder.Record(ctx, tx, eventType, actor, "", req.ShareAmount.String(), req.ID.String(), reason)
	})
	if err != nil {
		return err
	}
	metrics.RedemptionTransitions.WithLabelValues(string(target)).Inc()
	s.logger.Info("redemption terminated",
		zap.String("id", id.String()),
		zap.String("status", string(target)),
		zap.String("reason", reason),
		zap.String("by", actor))
	return nil
}

// Settle transitions APPROVED → PROCESSING → COMPLETED. The settlement
// amount is computed against the NAV current at the moment of settlement,
// never the NAV at submission time. Insufficient liquidity or slippage
// beyond the owner's tolerance leave the request APPROVED for retry.
func (s *Service) Settle(ctx context.Context, id uuid.UUID, a auth.Context) error {
	if !a.Can(auth.CapRedemptionsAdmin) {
		return ErrUnauthorized
	}

	// Pre-checks run outside the commit so a deferral never mutates state.
	var req models.RedemptionRequest
	if err := s.load(s.db.WithContext(ctx), id, &req); err != nil {
		return err
	}
	if EffectiveStatus(&req) == models.RedemptionExpired && req.Status != models.RedemptionExpired {
		// Persist the lazy expiry before reporting it.
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.load(tx, id, &req); err != nil {
				return err
			}
			_, err := s.expireIfDue(ctx, tx, &req)
			return err
		})
		if err != nil {
			return err
		}
		return ErrExpired
	}
	if req.Status != models.RedemptionApproved {
		if req.Status == models.RedemptionExpired {
			return ErrExpired
		}
		return ErrNotApproved
	}

	settlementAmount, err := s.ledger.PreviewRedeem(ctx, req.ShareAmount)
	if err != nil {
		return err
	}
	if settlementAmount.LessThan(req.MinAssetsOut) {
		s.logger.Warn("settlement blocked by slippage",
			zap.String("id", id.String()),
			zap.String("amount", settlementAmount.String()),
			zap.String("min_assets_out", req.MinAssetsOut.String()))
		return ErrSlippageExceeded
	}
	liquidity, err := s.ledger.AvailableLiquidity(ctx)
	if err != nil {
		return err
	}
	if liquidity.LessThan(settlementAmount) {
		s.logger.Warn("settlement deferred on liquidity",
			zap.String("id", id.String()),
			zap.String("amount", settlementAmount.String()),
			zap.String("available", liquidity.String()))
		return ErrInsufficientLiquidity
	}

	txRef := fmt.Sprintf("settle-%s", uuid.New().String())
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		if req.Status != models.RedemptionApproved {
			return ErrNotApproved
		}
		now := time.Now()
		if !req.Deadline.After(now) {
			req.Status = models.RedemptionExpired
			req.UpdatedAt = now
			if err := tx.Save(&req).Error; err != nil {
				return fmt.Errorf("failed to save request: %w", err)
			}
			return ErrExpired
		}

		req.Status = models.RedemptionProcessing
		req.ProcessedAt = &now
		req.UpdatedAt = now
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}

		if err := s.ledger.SettleInTx(ctx, tx, req.Owner, req.ShareAmount, settlementAmount, txRef); err != nil {
			return err
		}

		done := time.Now()
		req.Status = models.RedemptionCompleted
		req.SettledAmount = settlementAmount
		req.SettlementTxRef = txRef
		req.CompletedAt = &done
		req.UpdatedAt = done
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		return s.recorder.Record(ctx, tx, events.TypeRedemptionCompleted, a.Actor(), "", settlementAmount.String(), req.ID.String(), txRef)
	})
	if err != nil {
		if vaulterrors.Is(err, ErrExpired) || vaulterrors.Is(err, ErrNotApproved) {
			return err
		}
		// A liquidity race after the pre-check is a deferral, not a failure:
		// the rollback left the request APPROVED.
		if vaulterrors.Is(err, ErrInsufficientLiquidity) {
			return err
		}
		return s.markFailed(ctx, id, err, a.Actor())
	}

	s.ledger.RefreshGauges(ctx)
	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionCompleted)).Inc()
	s.logger.Info("redemption settled",
		zap.String("id", id.String()),
		zap.String("amount", settlementAmount.String()),
		zap.String("tx_ref", txRef),
		zap.String("by", a.Actor()))
	return nil
}

// markFailed records a settlement failure. The request stays retryable via
// the operator Retry action until the retry budget is exhausted.
func (s *Service) markFailed(ctx context.Context, id uuid.UUID, cause error, actor string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.RedemptionRequest
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		req.Status = models.RedemptionFailed
		req.RetryCount++
		req.RejectionReason = cause.Error()
		req.UpdatedAt = time.Now()
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		return s.recorder.Record(ctx, tx, events.TypeRedemptionFailed, actor, "", req.ShareAmount.String(), req.ID.String(), cause.Error())
	})
	if err != nil {
		return err
	}
	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionFailed)).Inc()
	s.logger.Error("redemption settlement failed", zap.String("id", id.String()), zap.Error(cause))
	return vaulterrors.E(vaulterrors.KindTerminal, "SETTLEMENT_FAILED", "settlement failed").Wrap(cause)
}

// Retry returns a FAILED request to APPROVED for another settlement attempt.
// Recovery from FAILED is an explicit operator action, never automatic; once
// the retry budget is spent the request is terminally failed.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, a auth.Context) error {
	if !a.Can(auth.CapRedemptionsAdmin) {
		return ErrUnauthorized
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req models.RedemptionRequest
		if err := s.load(tx, id, &req); err != nil {
			return err
		}
		if req.Status != models.RedemptionFailed {
			return ErrNotFailed
		}
		if req.RetryCount >= s.maxRetries {
			return ErrRetriesExhausted
		}
		if !req.Deadline.After(time.Now()) {
			req.Status = models.RedemptionExpired
			req.UpdatedAt = time.Now()
			if err := tx.Save(&req).Error; err != nil {
				return fmt.Errorf("failed to save request: %w", err)
			}
			return ErrExpired
		}
		req.Status = models.RedemptionApproved
		req.UpdatedAt = time.Now()
		if err := tx.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to save request: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionApproved)).Inc()
	s.logger.Info("redemption returned for retry", zap.String("id", id.String()), zap.String("by", a.Actor()))
	return nil
}

func (s *Service) load(tx *gorm.DB, id uuid.UUID, req *models.RedemptionRequest) error {
	err := tx.Where("id = ? AND deployment = ?", id, s.deployment).First(req).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	return nil
}

// expireIfDue applies lazy expiry: a PENDING or APPROVED request whose
// deadline has elapsed transitions to EXPIRED the next time it is touched.
func (s *Service) expireIfDue(ctx context.Context, tx *gorm.DB, req *models.RedemptionRequest) (bool, error) {
	if EffectiveStatus(req) != models.RedemptionExpired || req.Status == models.RedemptionExpired {
		return req.Status == models.RedemptionExpired, nil
	}
	req.Status = models.RedemptionExpired
	req.UpdatedAt = time.Now()
	if err := tx.Save(req).Error; err != nil {
		return false, fmt.Errorf("failed to save request: %w", err)
	}
	if err := s.recorder.Record(ctx, tx, events.TypeRedemptionExpired, "system", "", req.ShareAmount.String(), req.ID.String(), ""); err != nil {
		return false, err
	}
	metrics.RedemptionTransitions.WithLabelValues(string(models.RedemptionExpired)).Inc()
	return true, nil
}
