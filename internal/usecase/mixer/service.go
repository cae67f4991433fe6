package mixer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/retry"
	"github.com/simaogato/mixflow-backend/internal/usecase/session"
)

// MixService is the entry point of the engine: it validates a run, drives the
// selected strategy to completion and reports the result
type MixService struct {
	RunRepo   domain.RunRepository  // Optional: nil disables persistence
	Publisher domain.EventPublisher // Optional: nil disables events

	scope  *session.Scope
	logger *zap.Logger
	engine engine
}

// ServiceOption configures a MixService
type ServiceOption func(*MixService)

// WithSleeper replaces every wait of the service (delays, backoff)
func WithSleeper(sleep retry.Sleeper) ServiceOption {
	return func(s *MixService) {
		if sleep != nil {
			s.engine.sleep = sleep
		}
	}
}

// WithRand replaces the randomness source used for jitter and stagger
func WithRand(rnd func() float64) ServiceOption {
	return func(s *MixService) {
		if rnd != nil {
			s.engine.rand = rnd
		}
	}
}

// WithShuffle replaces the intermediary shuffle
func WithShuffle(shuffle func(n int, swap func(i, j int))) ServiceOption {
	return func(s *MixService) {
		if shuffle != nil {
			s.engine.shuffle = shuffle
		}
	}
}

// ErrLockerRequired rejects fan-out runs on a service built without an account
// locker: leafway branches all send from the source and must take turns
var ErrLockerRequired = errors.New("leafway runs need an account locker")

// NewMixService creates a new MixService instance.
// A nil locker is only usable for domino runs, which never open two sessions
// at once; leafway runs are rejected with ErrLockerRequired.
func NewMixService(
	locker domain.AccountLocker,
	runRepo domain.RunRepository,
	publisher domain.EventPublisher,
	logger *zap.Logger,
	opts ...ServiceOption,
) *MixService {
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := session.NewScope(locker, logger)

	s := &MixService{
		RunRepo:   runRepo,
		Publisher: publisher,
		scope:     scope,
		logger:    logger,
		engine:    newEngine(scope, logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan builds the transfer schedule of a run without moving any funds
func (s *MixService) Plan(chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*Plan, error) {
	plan, _, err := s.plan(chain, amount, opts)
	return plan, err
}

// Start runs a mix over chain
// Logic:
//  1. Reject programmer errors: non-positive amount, malformed chain, bad options
//  2. Early exit: the source must hold amount + fee floor
//  3. Execute the strategy; business failures are encoded in the result
//  4. Verify conservation, persist the report and publish the outcome
//
// Errors are returned for failed preconditions and for contract violations
// (an account used outside its session). In the latter case the partial
// result is returned alongside the error.
func (s *MixService) Start(ctx context.Context, chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*domain.MixRunResult, error) {
	// 1. Preconditions that need no account
	plan, strategy, err := s.plan(chain, amount, opts)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("run_id", plan.RunID.String()),
		zap.String("strategy", string(plan.Strategy)),
	)

	// 2. Cheap balance check before engaging any strategy
	if err := s.checkSource(ctx, plan); err != nil {
		logger.Warn("mix run rejected", zap.Error(err))
		return nil, err
	}

	s.publish(ctx, domain.RunEvent{
		Type:     domain.RunEventStarted,
		RunID:    plan.RunID,
		Strategy: plan.Strategy,
	})
	logger.Info("mix run started",
		zap.String("amount", amount.String()),
		zap.Strings("route", plan.Chain.Addresses()),
	)

	// 3. Execute
	result, runErr := strategy.Execute(ctx, plan)
	if result == nil {
		return nil, runErr
	}

	// 4. Report
	if err := result.CheckConservation(); err != nil {
		logger.Error("mix run result is unbalanced", zap.Error(err))
	}

	s.save(ctx, result, logger)

	eventType := domain.RunEventCompleted
	if result.Status != domain.RunStatusDelivered {
		eventType = domain.RunEventStalled
	}
	s.publish(ctx, domain.RunEvent{
		Type:     eventType,
		RunID:    result.ID,
		Strategy: result.Strategy,
		Status:   result.Status,
		Result:   result,
	})

	logger.Info("mix run finished",
		zap.String("status", string(result.Status)),
		zap.String("delivered", result.Delivered.String()),
		zap.String("fees", result.TotalFees.String()),
		zap.Int("holdings", len(result.Holdings)),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// GetRun retrieves a stored run report
func (s *MixService) GetRun(ctx context.Context, id uuid.UUID) (*domain.MixRunResult, error) {
	if s.RunRepo == nil {
		return nil, domain.ErrRunNotFound
	}
	return s.RunRepo.GetByID(ctx, id)
}

// ListRuns retrieves stored run reports, newest first
func (s *MixService) ListRuns(ctx context.Context, limit, offset int) ([]*domain.MixRunResult, error) {
	if s.RunRepo == nil {
		return []*domain.MixRunResult{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.RunRepo.List(ctx, limit, offset)
}

func (s *MixService) plan(chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*Plan, Strategy, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, domain.ErrNonPositiveAmount
	}

	if chain == nil {
		return nil, nil, &domain.InvalidChainError{Reason: "chain is required"}
	}
	if err := chain.Validate(); err != nil {
		return nil, nil, err
	}

	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid mix options: %w", err)
	}

	if !amount.Equal(amount.Truncate(opts.Precision)) {
		return nil, nil, fmt.Errorf("amount %s has more than %d decimals", amount, opts.Precision)
	}

	if opts.Strategy == domain.StrategyLeafway && s.scope.Locker == nil {
		return nil, nil, ErrLockerRequired
	}

	strategy, err := newStrategy(opts.Strategy, s.engine)
	if err != nil {
		return nil, nil, err
	}

	plan, err := strategy.Plan(chain, amount, opts)
	if err != nil {
		return nil, nil, err
	}
	return plan, strategy, nil
}

// checkSource verifies the source covers the amount plus the fee floor.
// Any failure here is fatal to the run, session errors included.
func (s *MixService) checkSource(ctx context.Context, plan *Plan) error {
	source := plan.Chain.Source
	required := plan.Amount.Add(plan.Options.FeeFloor)

	err := s.scope.Do(ctx, source, func(sess domain.Session) error {
		balance, err := sess.Balance(ctx)
		if err != nil {
			return fmt.Errorf("query source balance: %w", err)
		}
		if balance.LessThan(required) {
			return &domain.InsufficientFundsError{
				Address:   source.Address(),
				Required:  required,
				Available: balance,
			}
		}
		return nil
	})
	return errContract(err)
}

func (s *MixService) save(ctx context.Context, result *domain.MixRunResult, logger *zap.Logger) {
	if s.RunRepo == nil {
		return
	}

	// The report must be stored even when the run was cancelled
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.RunRepo.Save(saveCtx, result); err != nil {
		logger.Error("failed to save mix run", zap.Error(err))
	}
}

func (s *MixService) publish(ctx context.Context, event domain.RunEvent) {
	if s.Publisher == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.Publisher.Publish(pubCtx, event); err != nil {
		s.logger.Warn("failed to publish run event",
			zap.String("run_id", event.RunID.String()),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// IsPreconditionError reports whether err rejected a run before any transfer
func IsPreconditionError(err error) bool {
	var chainErr *domain.InvalidChainError
	var fundsErr *domain.InsufficientFundsError
	var sessionErr *domain.SessionError
	return errors.Is(err, domain.ErrNonPositiveAmount) ||
		errors.As(err, &chainErr) ||
		errors.As(err, &fundsErr) ||
		errors.As(err, &sessionErr)
}
