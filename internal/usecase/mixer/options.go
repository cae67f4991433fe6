package mixer

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/retry"
)

// Options configures one mix run
type Options struct {
	Strategy domain.StrategyKind
	Priority domain.Priority
	FeeMode  domain.FeeMode
	Retry    retry.Config

	// InterHopDelay is the wait between sequential hops
	InterHopDelay time.Duration

	// ConfirmationWait is the wait between a branch's split and its consolidate
	ConfirmationWait time.Duration

	// BranchStagger is the upper bound of the random delay before each
	// fan-out branch starts its split, 0 = all branches start at once
	BranchStagger time.Duration

	// SplitWeights optionally replaces the equal fan-out split.
	// One positive weight per intermediary, summing to 1.
	SplitWeights []decimal.Decimal

	// MaxParallel limits concurrently running branches, 0 = unlimited
	MaxParallel int

	// ShuffleIntermediaries randomizes the intermediary order of the run
	// (the caller's chain is never modified)
	ShuffleIntermediaries bool

	// FeeFloor is added to the amount in the early source balance check
	FeeFloor decimal.Decimal

	// Precision is the number of decimals amounts are truncated to
	Precision int32
}

// DefaultOptions returns the options used when a caller sets nothing
func DefaultOptions() Options {
	return Options{
		Strategy:              domain.StrategyDomino,
		Priority:              domain.PriorityLow,
		FeeMode:               domain.FeeModeDeduct,
		Retry:                 retry.DefaultConfig(),
		InterHopDelay:         25 * time.Minute,
		ConfirmationWait:      25 * time.Minute,
		BranchStagger:         10 * time.Second,
		ShuffleIntermediaries: true,
		FeeFloor:              decimal.Zero,
		Precision:             retry.DefaultPrecision,
	}
}

// Validate ensures the options describe a runnable mix
func (o Options) Validate() error {
	switch o.Strategy {
	case domain.StrategyDomino, domain.StrategyLeafway:
	default:
		return domain.ErrUnknownStrategy
	}

	switch o.Priority {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityVeryHigh:
	default:
		return errors.New("invalid priority: " + string(o.Priority))
	}

	if o.FeeMode != domain.FeeModeDeduct && o.FeeMode != domain.FeeModeOnTop {
		return errors.New("unknown fee mode: " + string(o.FeeMode))
	}

	if err := o.Retry.Validate(); err != nil {
		return err
	}

	if o.InterHopDelay < 0 || o.ConfirmationWait < 0 || o.BranchStagger < 0 {
		return errors.New("delays must not be negative")
	}

	if o.MaxParallel < 0 {
		return errors.New("max parallel must not be negative")
	}

	if o.FeeFloor.LessThan(decimal.Zero) {
		return errors.New("fee floor must not be negative")
	}

	if o.Precision < 0 || o.Precision > 18 {
		return errors.New("precision must be between 0 and 18")
	}

	if len(o.SplitWeights) > 0 && o.Strategy != domain.StrategyLeafway {
		return errors.New("split weights only apply to the leafway strategy")
	}

	return nil
}

// withDefaults fills the enum fields a caller left empty
func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = domain.StrategyDomino
	}
	if o.Priority == "" {
		o.Priority = domain.PriorityLow
	}
	if o.FeeMode == "" {
		o.FeeMode = domain.FeeModeDeduct
	}
	return o
}
