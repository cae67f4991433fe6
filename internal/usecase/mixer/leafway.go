package mixer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/allocator"
	"github.com/simaogato/mixflow-backend/internal/usecase/retry"
)

// Leafway splits the amount across the intermediaries in parallel, then
// consolidates each intermediary's funds into the destination.
// Branches are independent: one branch failing never blocks its siblings.
type Leafway struct {
	engine
}

// Kind implements Strategy
func (l *Leafway) Kind() domain.StrategyKind {
	return domain.StrategyLeafway
}

func (l *Leafway) sealed() {}

// Plan implements Strategy. The split group carries the branch shares and pays
// fees per the run's fee mode; the consolidate group forwards whatever each
// split delivered, minus the fee.
func (l *Leafway) Plan(chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*Plan, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	if len(chain.Intermediaries) == 0 {
		return nil, &domain.InvalidChainError{Reason: "leafway needs at least one intermediary"}
	}

	// Weights follow the caller's intermediary order, so shares are keyed by
	// address before the route is shuffled
	shares, err := allocator.CalculateShares(amount, len(chain.Intermediaries), opts.SplitWeights, opts.Precision)
	if err != nil {
		return nil, err
	}
	shareOf := make(map[string]decimal.Decimal, len(shares))
	for j, intermediary := range chain.Intermediaries {
		shareOf[intermediary.Address()] = shares[j]
	}

	route, err := l.route(chain, opts)
	if err != nil {
		return nil, err
	}

	split := RequestGroup{Phase: PhaseSplit, Parallel: true}
	consolidate := RequestGroup{Phase: PhaseConsolidate, Parallel: true}
	for _, intermediary := range route.Branches() {
		splitReq := newRequest(route.Source, intermediary, shareOf[intermediary.Address()], opts)
		splitReq.Delay = l.stagger(opts.BranchStagger)
		split.Requests = append(split.Requests, splitReq)

		consolidateReq := forwardRequest(intermediary, route.Destination, opts)
		consolidateReq.Delay = opts.ConfirmationWait
		consolidate.Requests = append(consolidate.Requests, consolidateReq)
	}

	plan := &Plan{
		RunID:    uuid.New(),
		Strategy: domain.StrategyLeafway,
		Chain:    route,
		Amount:   amount,
		Options:  opts,
		Groups:   []RequestGroup{split, consolidate},
	}
	plan.EstimatedDuration = l.Estimate(plan)
	return plan, nil
}

// Estimate implements Strategy: the slowest branch start plus one
// confirmation wait, since branches run side by side
func (l *Leafway) Estimate(plan *Plan) time.Duration {
	return plan.Options.BranchStagger + plan.Options.ConfirmationWait
}

// Execute implements Strategy
// Logic:
//  1. Shared precondition: the source must cover the sum of all shares (plus
//     one fee per branch when fees are paid on top)
//  2. Every branch runs concurrently: split source -> I_j, wait for
//     confirmation, consolidate I_j -> destination with what I_j received
//     minus the fee
//  3. A failed step leaves the branch's funds at the account it last reached
//
// Branches not started when the run is cancelled stay NOT_STARTED with their
// share held at the source. Only contract violations are returned as errors.
func (l *Leafway) Execute(ctx context.Context, plan *Plan) (*domain.MixRunResult, error) {
	opts := plan.Options
	result := newResult(plan)
	logger := l.logger.With(
		zap.String("run_id", result.ID.String()),
		zap.String("strategy", string(domain.StrategyLeafway)),
	)

	policy, err := l.newPolicy(opts)
	if err != nil {
		return nil, err
	}

	splits := plan.Groups[0].Requests
	consolidates := plan.Groups[1].Requests
	source := plan.Chain.Source.Address()

	branches := make([]domain.BranchResult, len(splits))
	for j, req := range splits {
		branches[j] = domain.BranchResult{
			Index:        j,
			Intermediary: req.To.Address(),
			Share:        req.Amount,
			Status:       domain.BranchNotStarted,
			Holding:      &domain.Holding{Address: source, Amount: req.Amount, Reason: "branch not started"},
		}
	}

	// 1. Shared precondition, read once for all branches
	if err := l.precheck(ctx, plan.Chain.Source, plan.Amount, len(splits), opts.FeeMode, opts); err != nil {
		kind := domain.ClassifyFailure(err)
		switch {
		case domain.IsContractViolation(err):
			result.Branches = branches
			result.Finalize()
			return result, errContract(err)
		case kind == domain.FailureTransient:
			logger.Warn("source precheck failed, deferring to transfer attempts", zap.Error(err))
		default:
			for j, req := range splits {
				outcome := failedOutcome(req, kind, err)
				branches[j].Split = &outcome
				branches[j].Status = domain.BranchStalledAtSource
				branches[j].Holding.Reason = "split not attempted: " + err.Error()
			}
			result.Cancelled = kind == domain.FailureCancelled
			result.Branches = branches
			result.Finalize()
			logger.Warn("mix run stalled at source", zap.Error(err))
			return result, nil
		}
	}

	// 2. Fan out
	g, gctx := errgroup.WithContext(ctx)
	if opts.MaxParallel > 0 {
		g.SetLimit(opts.MaxParallel)
	}
	for j := range splits {
		j := j
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return l.runBranch(gctx, policy, opts, splits[j], consolidates[j], &branches[j], logger)
		})
	}
	waitErr := g.Wait()

	result.Branches = branches
	for _, branch := range branches {
		if branch.Status == domain.BranchNotStarted && ctx.Err() != nil {
			result.Cancelled = true
		}
		for _, outcome := range []*domain.TransferOutcome{branch.Split, branch.Consolidate} {
			if outcome != nil && outcome.FailureKind == domain.FailureCancelled {
				result.Cancelled = true
			}
		}
	}
	result.Finalize()

	logger.Info("fan-out finished",
		zap.String("status", string(result.Status)),
		zap.String("delivered", result.Delivered.String()),
	)
	return result, errContract(waitErr)
}

// runBranch executes one split-then-consolidate path and records it in res.
// It only returns an error for a contract violation, which stops branches that
// have not started yet.
func (l *Leafway) runBranch(
	ctx context.Context,
	policy *retry.Policy,
	opts Options,
	split, consolidate domain.TransferRequest,
	res *domain.BranchResult,
	logger *zap.Logger,
) error {
	logger = logger.With(zap.Int("branch", res.Index), zap.String("intermediary", res.Intermediary))

	// Stagger the branch start; cancellation here means the branch never started
	if err := l.sleep(ctx, split.Delay); err != nil {
		res.Holding.Reason = "cancelled before split"
		return nil
	}
	split.Delay = 0

	splitOutcome := policy.Execute(ctx, split)
	res.Split = &splitOutcome
	if domain.IsContractViolation(splitOutcome.Err) {
		res.Status = domain.BranchStalledAtSource
		res.Holding.Reason = "contract violation during split"
		return splitOutcome.Err
	}
	if !splitOutcome.Succeeded && splitOutcome.Attempts == 0 && splitOutcome.FailureKind == domain.FailureCancelled {
		res.Holding.Reason = "cancelled before split"
		return nil
	}
	if !splitOutcome.Succeeded {
		res.Status = domain.BranchStalledAtSource
		res.Holding.Reason = "split failed: " + splitOutcome.FailureReason
		logger.Warn("branch stalled at source", zap.String("kind", string(splitOutcome.FailureKind)))
		return nil
	}

	// The intermediary now holds exactly what the split delivered
	moving := splitOutcome.Sent
	res.Status = domain.BranchStalledAtIntermediary
	res.Holding = &domain.Holding{Address: res.Intermediary, Amount: moving}

	if err := l.sleep(ctx, consolidate.Delay); err != nil {
		res.Holding.Reason = "cancelled before consolidation"
		return nil
	}
	consolidate.Delay = 0
	consolidate.Amount = moving

	consolidateOutcome := l.checkedTransfer(ctx, policy, consolidate, opts)
	res.Consolidate = &consolidateOutcome
	if domain.IsContractViolation(consolidateOutcome.Err) {
		res.Holding.Reason = "contract violation during consolidation"
		return consolidateOutcome.Err
	}
	if !consolidateOutcome.Succeeded {
		res.Holding.Reason = fmt.Sprintf("consolidation failed: %s", consolidateOutcome.FailureReason)
		logger.Warn("branch stalled at intermediary",
			zap.String("amount", moving.String()),
			zap.String("kind", string(consolidateOutcome.FailureKind)),
		)
		return nil
	}

	res.Status = domain.BranchDelivered
	res.Holding = nil
	logger.Info("branch delivered", zap.String("delivered", consolidateOutcome.Sent.String()))
	return nil
}
