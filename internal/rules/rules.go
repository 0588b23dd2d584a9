package rules

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReasonWithdrawalQueued is the fixed sentinel reason returned by the
// withdrawal-redirect rule. The calling layer recognizes it as "queued, not
// denied".
const ReasonWithdrawalQueued = "withdrawal queued for managed redemption"

// MinDepositRule rejects deposits below a configured minimum, expressed in
// the deposit asset's own base units normalized to 18 decimals by the caller.
type MinDepositRule struct {
	Min decimal.Decimal
}

func (r *MinDepositRule) Name() string  { return "min-deposit" }
func (r *MinDepositRule) Priority() int { return 10 }

func (r *MinDepositRule) EvaluateDeposit(ctx context.Context, req Request) Decision {
	if r.Min.IsPositive() && req.Amount.LessThan(r.Min) {
		return Reject(fmt.Sprintf("deposit below minimum of %s", r.Min.String()))
	}
	return Approve()
}

func (r *MinDepositRule) EvaluateWithdraw(ctx context.Context, req Request) Decision {
	return Approve()
}

func (r *MinDepositRule) EvaluateTransfer(ctx context.Context, req Request) Decision {
	return Approve()
}

// PauseRule is an operational kill-switch rejecting every operation while
// engaged.
type PauseRule struct {
	paused atomic.Bool
}

func (r *PauseRule) Name() string  { return "pause" }
func (r *PauseRule) Priority() int { return 0 }

// SetPaused engages or releases the kill-switch.
func (r *PauseRule) SetPaused(p bool) { r.paused.Store(p) }

// Paused reports the current switch state.
func (r *PauseRule) Paused() bool { return r.paused.Load() }

func (r *PauseRule) evaluate() Decision {
	if r.paused.Load() {
		return Reject("vault operations are paused")
	}
	return Approve()
}

func (r *PauseRule) EvaluateDeposit(ctx context.Context, req Request) Decision {
	return r.evaluate()
}

func (r *PauseRule) EvaluateWithdraw(ctx context.Context, req Request) Decision {
	return r.evaluate()
}

func (r *PauseRule) EvaluateTransfer(ctx context.Context, req Request) Decision {
	return r.evaluate()
}

// RedemptionEnqueuer queues a managed redemption on an owner's behalf. The
// redemption service implements it; the indirection breaks the construction
// cycle between the rule chain and the queue.
type RedemptionEnqueuer interface {
	EnqueueWithdrawal(ctx context.Context, owner string, shares decimal.Decimal) (uuid.UUID, error)
}

// WithdrawalRedirectRule converts every direct withdrawal attempt not
// originating from the redemption queue into a queued redemption request,
// rejecting with the fixed sentinel reason. Deposits and transfers always
// pass.
type WithdrawalRedirectRule struct {
	enqueuer RedemptionEnqueuer
}

// NewWithdrawalRedirectRule creates the redirect rule. Bind must be called
// before the first withdrawal is evaluated.
func NewWithdrawalRedirectRule() *WithdrawalRedirectRule {
	return &WithdrawalRedirectRule{}
}

// Bind attaches the redemption queue after both sides are constructed.
func (r *WithdrawalRedirectRule) Bind(enqueuer RedemptionEnqueuer) {
	r.enqueuer = enqueuer
}

func (r *WithdrawalRedirectRule) Name() string  { return "withdrawal-redirect" }
func (r *WithdrawalRedirectRule) Priority() int { return 100 }

func (r *WithdrawalRedirectRule) EvaluateDeposit(ctx context.Context, req Request) Decision {
	return Approve()
}

func (r *WithdrawalRedirectRule) EvaluateTransfer(ctx context.Context, req Request) Decision {
	return Approve()
}

func (r *WithdrawalRedirectRule) EvaluateWithdraw(ctx context.Context, req Request) Decision {
	if req.FromQueue {
		return Approve()
	}
	if r.enqueuer == nil {
		return Reject("managed redemption queue is unavailable")
	}
	id, err := r.enqueuer.EnqueueWithdrawal(ctx, req.Owner, req.Shares)
	if err != nil {
		return Reject(fmt.Sprintf("failed to queue redemption: %s", err))
	}
	d := Reject(ReasonWithdrawalQueued)
	d.Ref = id.String()
	return d
}
