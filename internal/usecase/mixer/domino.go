package mixer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// Domino moves the full amount through the chain one hop at a time:
// source -> intermediary_1 -> ... -> destination.
// Each hop's input is the previous hop's output, so hops never overlap.
type Domino struct {
	engine
}

// Kind implements Strategy
func (d *Domino) Kind() domain.StrategyKind {
	return domain.StrategyDomino
}

func (d *Domino) sealed() {}

// Plan implements Strategy. Every hop is its own group; only the first hop's
// amount is known up front.
func (d *Domino) Plan(chain *domain.TransferChain, amount decimal.Decimal, opts Options) (*Plan, error) {
	if err := chain.Validate(); err != nil {
		return nil, err
	}

	route, err := d.route(chain, opts)
	if err != nil {
		return nil, err
	}

	hops := route.Hops()
	groups := make([]RequestGroup, 0, len(hops))
	for _, hop := range hops {
		var req domain.TransferRequest
		if hop.Index == 0 {
			req = newRequest(hop.From, hop.To, amount, opts)
		} else {
			req = forwardRequest(hop.From, hop.To, opts)
			req.Delay = opts.InterHopDelay
		}
		groups = append(groups, RequestGroup{
			Phase:    PhaseHop,
			Requests: []domain.TransferRequest{req},
		})
	}

	plan := &Plan{
		RunID:    uuid.New(),
		Strategy: domain.StrategyDomino,
		Chain:    route,
		Amount:   amount,
		Options:  opts,
		Groups:   groups,
	}
	plan.EstimatedDuration = d.Estimate(plan)
	return plan, nil
}

// Estimate implements Strategy: one inter-hop delay between consecutive hops
func (d *Domino) Estimate(plan *Plan) time.Duration {
	if len(plan.Groups) < 2 {
		return 0
	}
	return time.Duration(len(plan.Groups)-1) * plan.Options.InterHopDelay
}

// Execute implements Strategy
// Logic:
//  1. currentHolder = source, currentAmount = requested amount
//  2. For each hop: precheck the holder's balance and fee, then send
//     currentAmount through the retry policy. The fee mode only decides the
//     first hop; intermediaries always forward currentAmount - fee
//  3. On success the receiver becomes the holder of the amount it received
//  4. On failure the run stalls: the funds stay at currentHolder and are
//     recorded as a holding
//
// Cancellation is honoured between hops. Only contract violations are
// returned as errors, together with the partial result.
func (d *Domino) Execute(ctx context.Context, plan *Plan) (*domain.MixRunResult, error) {
	opts := plan.Options
	result := newResult(plan)
	logger := d.logger.With(
		zap.String("run_id", result.ID.String()),
		zap.String("strategy", string(domain.StrategyDomino)),
	)

	policy, err := d.newPolicy(opts)
	if err != nil {
		return nil, err
	}

	holder := plan.Chain.Source
	amount := plan.Amount

	for index, group := range plan.Groups {
		req := group.Requests[0]
		req.Amount = amount

		// 1. No new hop starts once the run is cancelled
		if index > 0 {
			if err := d.sleep(ctx, req.Delay); err != nil {
				d.stall(result, index, holder, amount, "cancelled before hop "+fmt.Sprint(index))
				result.Cancelled = true
				break
			}
		}
		req.Delay = 0

		if ctx.Err() != nil {
			d.stall(result, index, holder, amount, "cancelled before hop "+fmt.Sprint(index))
			result.Cancelled = true
			break
		}

		// 2. Precheck and send through the retry policy
		outcome := d.checkedTransfer(ctx, policy, req, opts)
		result.Hops = append(result.Hops, outcome)

		if domain.IsContractViolation(outcome.Err) {
			d.stall(result, index, holder, amount, "contract violation at hop "+fmt.Sprint(index))
			result.Finalize()
			return result, errContract(outcome.Err)
		}

		// 3. A failed hop leaves the funds where they are
		if !outcome.Succeeded {
			reason := fmt.Sprintf("hop %d failed: %s", index, outcome.FailureReason)
			d.stall(result, index, holder, amount, reason)
			result.Cancelled = outcome.FailureKind == domain.FailureCancelled
			logger.Warn("mix run stalled",
				zap.Int("hop", index),
				zap.String("holder", holder.Address()),
				zap.String("amount", amount.String()),
				zap.String("kind", string(outcome.FailureKind)),
			)
			break
		}

		// 4. Advance: the receiver now holds what it received
		holder = req.To
		amount = outcome.Sent
		logger.Info("hop completed",
			zap.Int("hop", index),
			zap.String("holder", holder.Address()),
			zap.String("amount", amount.String()),
		)
	}

	result.Finalize()
	return result, nil
}

func (d *Domino) stall(result *domain.MixRunResult, hop int, holder domain.Account, amount decimal.Decimal, reason string) {
	result.StalledAtHop = hop
	result.Holdings = []domain.Holding{{
		Address: holder.Address(),
		Amount:  amount,
		Reason:  reason,
	}}
}
