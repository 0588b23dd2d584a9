package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/logger"
)

// stubRule records evaluation order and returns a fixed decision.
type stubRule struct {
	name     string
	priority int
	decision Decision
	log      *[]string
}

func (r *stubRule) Name() string  { return r.name }
func (r *stubRule) Priority() int { return r.priority }

func (r *stubRule) record() Decision {
	*r.log = append(*r.log, r.name)
	return r.decision
}

func (r *stubRule) EvaluateDeposit(ctx context.Context, req Request) Decision  { return r.record() }
func (r *stubRule) EvaluateWithdraw(ctx context.Context, req Request) Decision { return r.record() }
func (r *stubRule) EvaluateTransfer(ctx context.Context, req Request) Decision { return r.record() }

type stubEnqueuer struct {
	id    uuid.UUID
	err   error
	calls int
	owner string
}

func (s *stubEnqueuer) EnqueueWithdrawal(ctx context.Context, owner string, shares decimal.Decimal) (uuid.UUID, error) {
	s.calls++
	s.owner = owner
	return s.id, s.err
}

func TestEngineOrdersByPriority(t *testing.T) {
	var log []string
	engine := NewEngine(logger.NewNop(),
		&stubRule{name: "third", priority: 30, decision: Approve(), log: &log},
		&stubRule{name: "first", priority: 1, decision: Approve(), log: &log},
		&stubRule{name: "second", priority: 20, decision: Approve(), log: &log},
	)

	d := engine.Evaluate(context.Background(), OpDeposit, Request{})
	require.True(t, d.Approved)
	require.Equal(t, []string{"first", "second", "third"}, log)
}

func TestEngineShortCircuitsOnFirstRejection(t *testing.T) {
	var log []string
	engine := NewEngine(logger.NewNop(),
		&stubRule{name: "gate", priority: 1, decision: Reject("closed"), log: &log},
		&stubRule{name: "never", priority: 2, decision: Approve(), log: &log},
	)

	d := engine.Evaluate(context.Background(), OpWithdraw, Request{})
	require.False(t, d.Approved)
	require.Equal(t, "closed", d.Reason)
	require.Equal(t, []string{"gate"}, log)
}

func TestEngineEmptyChainApproves(t *testing.T) {
	engine := NewEngine(logger.NewNop())
	require.True(t, engine.Evaluate(context.Background(), OpTransfer, Request{}).Approved)
}

func TestMinDepositRule(t *testing.T) {
	rule := &MinDepositRule{Min: decimal.New(1, 16)}
	ctx := context.Background()

	d := rule.EvaluateDeposit(ctx, Request{Amount: decimal.New(1, 15)})
	require.False(t, d.Approved)

	d = rule.EvaluateDeposit(ctx, Request{Amount: decimal.New(1, 16)})
	require.True(t, d.Approved)

	// Withdrawals and transfers are out of scope for this rule.
	require.True(t, rule.EvaluateWithdraw(ctx, Request{}).Approved)
	require.True(t, rule.EvaluateTransfer(ctx, Request{}).Approved)
}

func TestPauseRuleTogglesAllOps(t *testing.T) {
	rule := &PauseRule{}
	ctx := context.Background()

	require.True(t, rule.EvaluateDeposit(ctx, Request{}).Approved)

	rule.SetPaused(true)
	require.True(t, rule.Paused())
	require.False(t, rule.EvaluateDeposit(ctx, Request{}).Approved)
	require.False(t, rule.EvaluateWithdraw(ctx, Request{}).Approved)
	require.False(t, rule.EvaluateTransfer(ctx, Request{}).Approved)

	rule.SetPaused(false)
	require.True(t, rule.EvaluateWithdraw(ctx, Request{}).Approved)
}

func TestRedirectRuleQueuesWithSentinelReason(t *testing.T) {
	rule := NewWithdrawalRedirectRule()
	enq := &stubEnqueuer{id: uuid.New()}
	rule.Bind(enq)

	d := rule.EvaluateWithdraw(context.Background(), Request{Owner: "0xabc", Shares: decimal.New(1, 18)})
	require.False(t, d.Approved)
	require.Equal(t, ReasonWithdrawalQueued, d.Reason)
	require.Equal(t, enq.id.String(), d.Ref)
	require.Equal(t, "0xabc", enq.owner)
}

func TestRedirectRulePassesQueueOriginatedWithdrawals(t *testing.T) {
	rule := NewWithdrawalRedirectRule()
	enq := &stubEnqueuer{id: uuid.New()}
	rule.Bind(enq)

	d := rule.EvaluateWithdraw(context.Background(), Request{Owner: "0xabc", FromQueue: true})
	require.True(t, d.Approved)
	require.Equal(t, 0, enq.calls)
}

func TestRedirectRuleUnboundRejectsWithoutSentinel(t *testing.T) {
	rule := NewWithdrawalRedirectRule()
	d := rule.EvaluateWithdraw(context.Background(), Request{Owner: "0xabc"})
	require.False(t, d.Approved)
	require.NotEqual(t, ReasonWithdrawalQueued, d.Reason)
}

func TestRedirectRuleEnqueueFailureRejectsWithoutSentinel(t *testing.T) {
	rule := NewWithdrawalRedirectRule()
	rule.Bind(&stubEnqueuer{err: errors.New("db down")})

	d := rule.EvaluateWithdraw(context.Background(), Request{Owner: "0xabc"})
	require.False(t, d.Approved)
	require.NotEqual(t, ReasonWithdrawalQueued, d.Reason)
	require.Empty(t, d.Ref)
}

func TestRedirectRuleIgnoresDepositsAndTransfers(t *testing.T) {
	rule := NewWithdrawalRedirectRule()
	require.True(t, rule.EvaluateDeposit(context.Background(), Request{}).Approved)
	require.True(t, rule.EvaluateTransfer(context.Background(), Request{}).Approved)
}
