package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/retry"
	"github.com/simaogato/mixflow-backend/internal/usecase/session"
)

// Phase names a step of a plan
type Phase string

const (
	PhaseHop         Phase = "HOP"
	PhaseSplit       Phase = "SPLIT"
	PhaseConsolidate Phase = "CONSOLIDATE"
)

// RequestGroup is a set of transfers separated from the next group by a
// barrier. Requests of a Parallel group run concurrently.
// A request with a zero Amount moves whatever its predecessor delivered; the
// amount is only known once that transfer has settled.
type RequestGroup struct {
	Phase    Phase                    `json:"phase"`
	Parallel bool                     `json:"parallel"`
	Requests []domain.TransferRequest `json:"-"`
}

// Plan is the transfer schedule of one run
type Plan struct {
	RunID    uuid.UUID
	Strategy domain.StrategyKind
	Chain    *domain.TransferChain // Route actually used, possibly shuffled
	Amount   decimal.Decimal
	Options  Options
	Groups   []RequestGroup

	// EstimatedDuration covers the configured waits, retries excluded
	EstimatedDuration time.Duration
}

// Strategy turns a chain and an amount into transfers and executes them.
// The set of strategies is closed: Domino and Leafway.
type Strategy interface {
	Kind() domain.StrategyKind
	Plan(chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*Plan, error)
	Execute(ctx context.Context, plan *Plan) (*domain.MixRunResult, error)
	Estimate(plan *Plan) time.Duration

	sealed()
}

// engine holds what both strategies need to execute transfers
type engine struct {
	scope   *session.Scope
	logger  *zap.Logger
	sleep   retry.Sleeper
	rand    func() float64
	shuffle func(n int, swap func(i, j int))
}

func newEngine(scope *session.Scope, logger *zap.Logger) engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = session.NewScope(nil, logger)
	}
	return engine{
		scope:   scope,
		logger:  logger,
		sleep:   retry.Sleep,
		rand:    rand.Float64,
		shuffle: rand.Shuffle,
	}
}

func (e engine) newPolicy(opts Options) (*retry.Policy, error) {
	return retry.NewPolicy(opts.Retry,
		retry.WithScope(e.scope),
		retry.WithPrecision(opts.Precision),
		retry.WithLogger(e.logger),
		retry.WithSleeper(e.sleep),
		retry.WithRand(e.rand),
	)
}

// route returns the chain the run will use. With shuffling enabled the
// intermediaries are reordered on a copy.
func (e engine) route(chain *domain.TransferChain, opts Options) (*domain.TransferChain, error) {
	if !opts.ShuffleIntermediaries || len(chain.Intermediaries) < 2 {
		return chain, nil
	}

	middle := chain.Branches()
	e.shuffle(len(middle), func(i, j int) {
		middle[i], middle[j] = middle[j], middle[i]
	})
	return chain.WithIntermediaries(middle)
}

// stagger returns a random delay in [0, bound)
func (e engine) stagger(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(e.rand() * float64(bound))
}

// precheck queries the balance and fee of from and verifies it can move
// amount in transfers sends under mode. Returns *domain.InsufficientFundsError
// or a permanent *domain.TransferError when it cannot; other errors come from
// the session.
func (e engine) precheck(ctx context.Context, from domain.Account, amount decimal.Decimal, transfers int, mode domain.FeeMode, opts Options) error {
	return e.scope.Do(ctx, from, func(s domain.Session) error {
		balance, err := s.Balance(ctx)
		if err != nil {
			return fmt.Errorf("query balance: %w", err)
		}

		fee, err := s.TransferFee(ctx, opts.Priority)
		if err != nil {
			return fmt.Errorf("query transfer fee: %w", err)
		}

		required := amount
		if mode == domain.FeeModeOnTop {
			required = amount.Add(fee.Mul(decimal.NewFromInt(int64(transfers))))
		}
		if required.GreaterThan(balance) {
			return &domain.InsufficientFundsError{
				Address:   from.Address(),
				Required:  required,
				Available: balance,
			}
		}

		if mode != domain.FeeModeOnTop && transfers == 1 {
			if _, err := retry.NetAmount(amount, fee, mode, opts.Precision); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkedTransfer runs the precheck for req and, when it passes, the request
// through the policy. A precheck that fails permanently is recorded as a
// failed outcome without any send attempt; a transient precheck failure is
// left to the policy, which re-validates on every attempt.
func (e engine) checkedTransfer(ctx context.Context, policy *retry.Policy, req domain.TransferRequest, opts Options) domain.TransferOutcome {
	if err := e.precheck(ctx, req.From, req.Amount, 1, req.FeeMode, opts); err != nil {
		switch kind := domain.ClassifyFailure(err); {
		case domain.IsContractViolation(err), kind != domain.FailureTransient:
			return failedOutcome(req, kind, err)
		default:
			e.logger.Warn("precheck failed, deferring to transfer attempts",
				zap.String("from", req.From.Address()),
				zap.Error(err),
			)
		}
	}
	return policy.Execute(ctx, req)
}

// newRequest builds a transfer out of the source, paying the fee the way the
// run's fee mode says
func newRequest(from, to domain.Account, amount decimal.Decimal, opts Options) domain.TransferRequest {
	return domain.TransferRequest{
		ID:       uuid.New(),
		From:     from,
		To:       to,
		Amount:   amount,
		Priority: opts.Priority,
		FeeMode:  opts.FeeMode,
	}
}

// forwardRequest builds a transfer out of an intermediary. It only holds what
// it received, so the fee is always deducted from the forwarded amount.
func forwardRequest(from, to domain.Account, opts Options) domain.TransferRequest {
	req := newRequest(from, to, decimal.Zero, opts)
	req.FeeMode = domain.FeeModeDeduct
	return req
}

// newResult creates the result a plan's execution fills in
func newResult(plan *Plan) *domain.MixRunResult {
	result := domain.NewMixRunResult(plan.Strategy, plan.Chain, plan.Amount, plan.Options.FeeMode)
	if plan.RunID != uuid.Nil {
		result.ID = plan.RunID
	}
	return result
}

// failedOutcome records a request that failed before any send attempt
func failedOutcome(req domain.TransferRequest, kind domain.FailureKind, err error) domain.TransferOutcome {
	return domain.TransferOutcome{
		RequestID:     req.ID,
		From:          req.From.Address(),
		To:            req.To.Address(),
		Requested:     req.Amount,
		Sent:          decimal.Zero,
		Fee:           decimal.Zero,
		FeeMode:       req.FeeMode,
		CompletedAt:   time.Now(),
		FailureKind:   kind,
		FailureReason: err.Error(),
		Err:           err,
	}
}

// New returns the strategy implementing kind
func New(kind domain.StrategyKind, scope *session.Scope, logger *zap.Logger) (Strategy, error) {
	return newStrategy(kind, newEngine(scope, logger))
}

func newStrategy(kind domain.StrategyKind, e engine) (Strategy, error) {
	switch kind {
	case domain.StrategyDomino:
		return &Domino{engine: e}, nil
	case domain.StrategyLeafway:
		return &Leafway{engine: e}, nil
	default:
		return nil, domain.ErrUnknownStrategy
	}
}

// errContract wraps a contract violation observed during a run
func errContract(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrSessionInactive) {
		return fmt.Errorf("account used outside an active session: %w", err)
	}
	return err
}
