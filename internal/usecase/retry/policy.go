package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/session"
)

// DefaultPrecision is the number of decimals of the smallest currency unit
// (piconero)
const DefaultPrecision int32 = 12

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy executes a TransferRequest with bounded retries.
// Every attempt opens its own session, re-queries balance and fee, and
// re-validates the amount before sending.
type Policy struct {
	config    Config
	scope     *session.Scope
	precision int32
	logger    *zap.Logger
	sleep     Sleeper
	rand      func() float64
}

// Option configures a Policy
type Option func(*Policy)

// WithScope sets the session scope used for every attempt
func WithScope(scope *session.Scope) Option {
	return func(p *Policy) { p.scope = scope }
}

// WithPrecision sets the number of decimals send amounts are truncated to
func WithPrecision(places int32) Option {
	return func(p *Policy) { p.precision = places }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSleeper replaces the wait between attempts
func WithSleeper(sleep Sleeper) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithRand replaces the jitter source
func WithRand(rnd func() float64) Option {
	return func(p *Policy) {
		if rnd != nil {
			p.rand = rnd
		}
	}
}

// NewPolicy creates a new Policy instance
func NewPolicy(config Config, opts ...Option) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Policy{
		config:    config,
		precision: DefaultPrecision,
		logger:    zap.NewNop(),
		sleep:     Sleep,
		rand:      rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.scope == nil {
		p.scope = session.NewScope(nil, p.logger)
	}
	return p, nil
}

// Config returns the policy configuration
func (p *Policy) Config() Config {
	return p.config
}

// Execute runs the request until it succeeds, fails permanently, runs out of
// attempts, or ctx is cancelled between attempts.
// Logic:
//  1. Wait req.Delay (cancellable)
//  2. For attempt 1..MaxAttempts: lock + acquire From, query balance and fee,
//     compute the net amount, validate it, send, release
//  3. Transient failure: wait BaseDelay * BackoffMultiplier^(attempt-1) and retry
//  4. Permanent failure or contract violation: stop immediately
//
// The returned outcome always carries the attempt count; outcome.Err is set on
// failure so callers can detect contract violations.
func (p *Policy) Execute(ctx context.Context, req domain.TransferRequest) domain.TransferOutcome {
	outcome := domain.TransferOutcome{
		RequestID: req.ID,
		From:      req.From.Address(),
		To:        req.To.Address(),
		Requested: req.Amount,
		FeeMode:   req.FeeMode,
	}
	if outcome.FeeMode == "" {
		outcome.FeeMode = domain.FeeModeDeduct
	}

	logger := p.logger.With(
		zap.String("request_id", req.ID.String()),
		zap.String("from", outcome.From),
		zap.String("to", outcome.To),
		zap.String("amount", req.Amount.String()),
	)

	if err := p.sleep(ctx, req.Delay); err != nil {
		return p.fail(outcome, domain.FailureCancelled, err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return p.fail(outcome, domain.FailureCancelled, lastErr)
		}

		outcome.Attempts = attempt
		result, err := p.attempt(ctx, req)
		if err == nil {
			outcome.Succeeded = true
			outcome.Sent = result.sent
			outcome.Fee = result.fee
			outcome.CompletedAt = time.Now()
			logger.Info("transfer sent",
				zap.Int("attempt", attempt),
				zap.String("sent", result.sent.String()),
				zap.String("fee", result.fee.String()),
			)
			return outcome
		}

		lastErr = err
		kind := domain.ClassifyFailure(err)
		logger.Warn("transfer attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)

		if kind != domain.FailureTransient {
			return p.fail(outcome, kind, err)
		}

		if attempt == p.config.MaxAttempts {
			break
		}

		if err := p.sleep(ctx, p.config.Delay(attempt, p.rand)); err != nil {
			return p.fail(outcome, domain.FailureCancelled, lastErr)
		}
	}

	return p.fail(outcome, domain.FailureTransient,
		fmt.Errorf("retries exhausted after %d attempts: %w", outcome.Attempts, lastErr))
}

func (p *Policy) fail(outcome domain.TransferOutcome, kind domain.FailureKind, err error) domain.TransferOutcome {
	outcome.Succeeded = false
	outcome.Sent = decimal.Zero
	outcome.Fee = decimal.Zero
	outcome.FailureKind = kind
	outcome.Err = err
	if err != nil {
		outcome.FailureReason = err.Error()
	}
	outcome.CompletedAt = time.Now()
	return outcome
}

type attemptResult struct {
	sent decimal.Decimal
	fee  decimal.Decimal
}

// attempt performs one send inside a fresh session
func (p *Policy) attempt(ctx context.Context, req domain.TransferRequest) (attemptResult, error) {
	var result attemptResult

	err := p.scope.Do(ctx, req.From, func(s domain.Session) error {
		balance, err := s.Balance(ctx)
		if err != nil {
			return fmt.Errorf("query balance: %w", err)
		}

		fee, err := s.TransferFee(ctx, req.Priority)
		if err != nil {
			return fmt.Errorf("query transfer fee: %w", err)
		}

		net, err := NetAmount(req.Amount, fee, req.FeeMode, p.precision)
		if err != nil {
			return err
		}

		// The amount leaving the account may never exceed balance - fee
		if net.GreaterThan(balance.Sub(fee)) {
			return &domain.InsufficientFundsError{
				Address:   req.From.Address(),
				Required:  net.Add(fee),
				Available: balance,
			}
		}

		// A send is a critical section: once started it is not interrupted by
		// cancellation of the run
		if err := s.Send(context.WithoutCancel(ctx), net, req.To.Address(), req.Priority); err != nil {
			return err
		}

		result = attemptResult{sent: net, fee: fee}
		return nil
	})

	return result, err
}

// NetAmount returns what the receiver gets for a gross amount and fee.
// With FeeModeDeduct the fee is taken out of gross; with FeeModeOnTop gross is
// sent unchanged. The result is truncated (never rounded up) to places decimals.
func NetAmount(gross, fee decimal.Decimal, mode domain.FeeMode, places int32) (decimal.Decimal, error) {
	if fee.LessThan(decimal.Zero) {
		return decimal.Zero, domain.NewPermanentError("wallet quoted a negative fee")
	}

	net := gross
	if mode != domain.FeeModeOnTop {
		net = gross.Sub(fee)
	}
	net = net.Truncate(places)

	if net.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, domain.NewPermanentError(
			"amount " + gross.String() + " does not cover transfer fee " + fee.String())
	}
	return net, nil
}

// Sleep waits for d or until ctx is done. Non-positive durations return at once.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// IsCancelled reports whether an outcome ended because the run was cancelled
func IsCancelled(outcome domain.TransferOutcome) bool {
	return outcome.FailureKind == domain.FailureCancelled ||
		errors.Is(outcome.Err, context.Canceled)
}
