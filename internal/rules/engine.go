// Package rules implements the ordered authorization chain consulted before
// every deposit, withdrawal, and transfer. The rule set is fixed per
// deployment and injected at vault construction time.
package rules

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Op is the operation kind a rule is evaluated for.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpTransfer Op = "transfer"
)

// Decision is the outcome of one rule for one operation. Ref optionally
// carries an identifier created as a side effect (the redirect rule stores
// the queued redemption id there).
type Decision struct {
	Approved bool
	Reason   string
	Ref      string
}

// Approve returns an approving decision.
func Approve() Decision {
	return Decision{Approved: true}
}

// Reject returns a rejecting decision with the given reason.
func Reject(reason string) Decision {
	return Decision{Approved: false, Reason: reason}
}

// Request carries the operation parameters rules evaluate against.
type Request struct {
	Asset     string
	Owner     string
	Receiver  string
	Amount    decimal.Decimal
	Shares    decimal.Decimal
	FromQueue bool
}

// Rule is one pluggable authorization check.
type Rule interface {
	Name() string
	Priority() int
	EvaluateDeposit(ctx context.Context, req Request) Decision
	EvaluateWithdraw(ctx context.Context, req Request) Decision
	EvaluateTransfer(ctx context.Context, req Request) Decision
}

// Engine evaluates rules in ascending priority order and stops at the first
// rejection, returning its reason verbatim.
type Engine struct {
	logger *zap.Logger
	rules  []Rule
}

// NewEngine creates an engine over a fixed rule set.
func NewEngine(logger *zap.Logger, ruleSet ...Rule) *Engine {
	ordered := make([]Rule, len(ruleSet))
	copy(ordered, ruleSet)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return &Engine{logger: logger, rules: ordered}
}

// Evaluate runs the chain for the given operation kind. If every applicable
// rule approves, or no rule applies, the operation proceeds.
func (e *Engine) Evaluate(ctx context.Context, op Op, req Request) Decision {
	for _, rule := range e.rules {
		var d Decision
		switch op {
		case OpDeposit:
			d = rule.EvaluateDeposit(ctx, req)
		case OpWithdraw:
			d = rule.EvaluateWithdraw(ctx, req)
		case OpTransfer:
			d = rule.EvaluateTransfer(ctx, req)
		default:
			continue
		}
		if !d.Approved {
			e.logger.Debug("rule rejected operation",
				zap.String("rule", rule.Name()),
				zap.String("op", string(op)),
				zap.String("owner", req.Owner),
				zap.String("reason", d.Reason))
			return d
		}
	}
	return Approve()
}
