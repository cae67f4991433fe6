package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StrategyKind identifies one of the supported mixing strategies
type StrategyKind string

const (
	StrategyDomino  StrategyKind = "DOMINO"
	StrategyLeafway StrategyKind = "LEAFWAY"
)

// ParseStrategy converts a user supplied string into a StrategyKind
func ParseStrategy(raw string) (StrategyKind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(StrategyDomino):
		return StrategyDomino, nil
	case string(StrategyLeafway):
		return StrategyLeafway, nil
	default:
		return "", ErrUnknownStrategy
	}
}

// RunStatus is the overall outcome of a mix run
type RunStatus string

const (
	RunStatusDelivered          RunStatus = "DELIVERED"
	RunStatusPartiallyDelivered RunStatus = "PARTIALLY_DELIVERED"
	RunStatusStalled            RunStatus = "STALLED"
)

// BranchStatus is the outcome of one fan-out branch
type BranchStatus string

const (
	BranchDelivered             BranchStatus = "DELIVERED"
	BranchStalledAtSource       BranchStatus = "STALLED_AT_SOURCE"
	BranchStalledAtIntermediary BranchStatus = "STALLED_AT_INTERMEDIARY"
	BranchNotStarted            BranchStatus = "NOT_STARTED"
)

// Holding records undelivered funds and the account they sit at.
// Holdings are what an operator inspects to recover a stalled run.
type Holding struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

// BranchResult is the record of one split-then-consolidate path
type BranchResult struct {
	Index        int              `json:"index"`
	Intermediary string           `json:"intermediary"`
	Share        decimal.Decimal  `json:"share"`
	Split        *TransferOutcome `json:"split,omitempty"`
	Consolidate  *TransferOutcome `json:"consolidate,omitempty"`
	Status       BranchStatus     `json:"status"`
	Holding      *Holding         `json:"holding,omitempty"`
}

// MixRunResult is the complete, inspectable report of one mix run
type MixRunResult struct {
	ID          uuid.UUID         `json:"id"`
	Strategy    StrategyKind      `json:"strategy"`
	Status      RunStatus         `json:"status"`
	FeeMode     FeeMode           `json:"fee_mode"` // Applies to transfers leaving the source
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Route       []string          `json:"route"`
	Requested   decimal.Decimal   `json:"requested"`
	Hops        []TransferOutcome `json:"hops,omitempty"`     // Sequential runs
	Branches    []BranchResult    `json:"branches,omitempty"` // Fan-out runs
	Delivered   decimal.Decimal   `json:"delivered"`
	TotalFees   decimal.Decimal   `json:"total_fees"`
	Residue     decimal.Decimal   `json:"residue"` // Sub-unit dust left behind by truncation
	Holdings    []Holding         `json:"holdings,omitempty"`
	// StalledAtHop is the index of the hop that failed, -1 when none did
	StalledAtHop int       `json:"stalled_at_hop"`
	Cancelled    bool      `json:"cancelled"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewMixRunResult creates an empty result for a run over chain
func NewMixRunResult(strategy StrategyKind, chain *TransferChain, amount decimal.Decimal, feeMode FeeMode) *MixRunResult {
	return &MixRunResult{
		ID:           uuid.New(),
		Strategy:     strategy,
		FeeMode:      feeMode,
		Source:       chain.Source.Address(),
		Destination:  chain.Destination.Address(),
		Route:        chain.Addresses(),
		Requested:    amount,
		StalledAtHop: -1,
		StartedAt:    time.Now(),
	}
}

// Outcomes returns every transfer outcome of the run in execution order
// (hops first, then each branch's split and consolidate)
func (r *MixRunResult) Outcomes() []TransferOutcome {
	outcomes := make([]TransferOutcome, 0, len(r.Hops)+2*len(r.Branches))
	outcomes = append(outcomes, r.Hops...)
	for _, branch := range r.Branches {
		if branch.Split != nil {
			outcomes = append(outcomes, *branch.Split)
		}
		if branch.Consolidate != nil {
			outcomes = append(outcomes, *branch.Consolidate)
		}
	}
	return outcomes
}

// Finalize computes totals and the overall status from the recorded outcomes
// Logic:
//  1. TotalFees = sum of fees over all successful transfers
//  2. Delivered = sum of amounts received by the destination
//     Residue = truncation dust left at senders
//  3. Holdings are rebuilt from branches (sequential runs set theirs directly)
//  4. Status: DELIVERED when nothing is held, PARTIALLY_DELIVERED when some
//     funds reached the destination and some are held, STALLED otherwise
func (r *MixRunResult) Finalize() {
	r.TotalFees = decimal.Zero
	r.Delivered = decimal.Zero
	r.Residue = decimal.Zero

	for _, outcome := range r.Outcomes() {
		if !outcome.Succeeded {
			continue
		}
		r.TotalFees = r.TotalFees.Add(outcome.Fee)
		r.Residue = r.Residue.Add(outcome.Residue())
		if outcome.To == r.Destination {
			r.Delivered = r.Delivered.Add(outcome.Sent)
		}
	}

	if len(r.Branches) > 0 {
		holdings := make([]Holding, 0, len(r.Branches))
		for _, branch := range r.Branches {
			if branch.Holding != nil {
				holdings = append(holdings, *branch.Holding)
			}
		}
		r.Holdings = holdings
	}

	switch {
	case len(r.Holdings) == 0 && r.Delivered.GreaterThan(decimal.Zero):
		r.Status = RunStatusDelivered
	case r.Delivered.GreaterThan(decimal.Zero):
		r.Status = RunStatusPartiallyDelivered
	default:
		r.Status = RunStatusStalled
	}

	r.FinishedAt = time.Now()
}

// HeldAmount returns the sum of all holdings
func (r *MixRunResult) HeldAmount() decimal.Decimal {
	held := decimal.Zero
	for _, holding := range r.Holdings {
		held = held.Add(holding.Amount)
	}
	return held
}

// CheckConservation verifies that every unit of the requested amount is
// accounted for: delivered, paid as fees taken out of the moving amount, left
// as truncation residue, or held at a recorded account.
func (r *MixRunResult) CheckConservation() error {
	accounted := r.Delivered.Add(r.HeldAmount()).Add(r.Residue)
	for _, outcome := range r.Outcomes() {
		accounted = accounted.Add(outcome.FeeFromAmount())
	}
	if !accounted.Equal(r.Requested) {
		return errors.New("mix run does not account for requested amount: requested " +
			r.Requested.String() + ", accounted " + accounted.String())
	}
	return nil
}
