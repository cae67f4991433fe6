package mixer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/mixflow-backend/internal/adapter/lock"
	"github.com/simaogato/mixflow-backend/internal/adapter/wallet/memory"
	"github.com/simaogato/mixflow-backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// noWait returns at once, failing only when ctx is done
func noWait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type fixture struct {
	ledger *memory.Ledger
	source *memory.Account
	a      *memory.Account
	b      *memory.Account
	dest   *memory.Account
}

func newFixture(sourceBalance string) *fixture {
	ledger := memory.NewLedger(dec("0.01"))
	return &fixture{
		ledger: ledger,
		source: ledger.Open("S", dec(sourceBalance)),
		a:      ledger.Open("A", decimal.Zero),
		b:      ledger.Open("B", decimal.Zero),
		dest:   ledger.Open("D", decimal.Zero),
	}
}

func (f *fixture) chain(t *testing.T) *domain.TransferChain {
	chain, err := domain.NewTransferChain(f.source, []domain.Account{f.a, f.b}, f.dest)
	require.NoError(t, err)
	return chain
}

func (f *fixture) service(opts ...ServiceOption) *MixService {
	opts = append([]ServiceOption{WithSleeper(noWait)}, opts...)
	return NewMixService(lock.NewLocalLocker(), nil, nil, nil, opts...)
}

func testOptions(strategy domain.StrategyKind) Options {
	opts := DefaultOptions()
	opts.Strategy = strategy
	opts.InterHopDelay = 0
	opts.ConfirmationWait = 0
	opts.BranchStagger = 0
	opts.ShuffleIntermediaries = false
	opts.Retry.BaseDelay = 0
	return opts
}

func TestDomino_DeliversThroughEveryHop(t *testing.T) {
	f := newFixture("2.0")

	result, err := f.service().Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusDelivered, result.Status)
	require.Len(t, result.Hops, 3)
	for i, want := range []string{"1.49", "1.48", "1.47"} {
		assert.True(t, result.Hops[i].Succeeded)
		assert.Equal(t, 1, result.Hops[i].Attempts)
		assert.True(t, result.Hops[i].Sent.Equal(dec(want)), "hop %d sent %s", i, result.Hops[i].Sent)
	}
	assert.True(t, result.Delivered.Equal(dec("1.47")))
	assert.True(t, result.TotalFees.Equal(dec("0.03")))
	assert.Empty(t, result.Holdings)
	assert.Equal(t, -1, result.StalledAtHop)
	assert.NoError(t, result.CheckConservation())

	assert.True(t, f.ledger.Balance("S").Equal(dec("0.5")))
	assert.True(t, f.ledger.Balance("D").Equal(dec("1.47")))
	assert.Equal(t, 0, f.ledger.OpenSessions())
}

func TestDomino_StallsWhereFundsSit(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("A", domain.NewPermanentError("protocol rejected transfer"))

	result, err := f.service().Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusStalled, result.Status)
	assert.Equal(t, 1, result.StalledAtHop)
	require.Len(t, result.Hops, 2)
	assert.Equal(t, domain.FailurePermanent, result.Hops[1].FailureKind)
	assert.Equal(t, 1, result.Hops[1].Attempts)

	require.Len(t, result.Holdings, 1)
	assert.Equal(t, "A", result.Holdings[0].Address)
	assert.True(t, result.Holdings[0].Amount.Equal(dec("1.49")))
	assert.True(t, f.ledger.Balance("A").Equal(dec("1.49")))
	assert.NoError(t, result.CheckConservation())
	assert.Equal(t, 0, f.ledger.OpenSessions())
}

func TestDomino_RetriesExhausted(t *testing.T) {
	f := newFixture("2.0")
	transient := domain.NewTransientError("node unreachable")
	f.ledger.FailSend("B", transient, transient, transient)

	opts := testOptions(domain.StrategyDomino)
	opts.Retry.MaxAttempts = 3

	result, err := f.service().Start(context.Background(), f.chain(t), dec("1.5"), opts)
	require.NoError(t, err)

	assert.Equal(t, 3, f.ledger.SendAttempts("B"))
	assert.Equal(t, 2, result.StalledAtHop)
	assert.Equal(t, 3, result.Hops[2].Attempts)
	require.Len(t, result.Holdings, 1)
	assert.Equal(t, "B", result.Holdings[0].Address)
	assert.True(t, result.Holdings[0].Amount.Equal(dec("1.48")))
	assert.Equal(t, domain.RunStatusStalled, result.Status)
}

func TestDomino_DirectChainAppliesFeeAndRetry(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("S", domain.NewTransientError("timeout"))

	chain, err := domain.NewDirectChain(f.source, f.dest)
	require.NoError(t, err)

	result, err := f.service().Start(context.Background(), chain, dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)

	require.Len(t, result.Hops, 1)
	assert.Equal(t, 2, result.Hops[0].Attempts)
	assert.True(t, result.Delivered.Equal(dec("1.49")))
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
}

func TestDomino_CancelledBetweenHops(t *testing.T) {
	f := newFixture("2.0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The inter-hop wait is where cancellation is observed
	sleep := func(ctx context.Context, d time.Duration) error {
		if d == time.Minute {
			cancel()
		}
		return ctx.Err()
	}

	opts := testOptions(domain.StrategyDomino)
	opts.InterHopDelay = time.Minute

	svc := NewMixService(lock.NewLocalLocker(), nil, nil, nil, WithSleeper(sleep))
	result, err := svc.Start(ctx, f.chain(t), dec("1.5"), opts)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.StalledAtHop)
	require.Len(t, result.Hops, 1)
	require.Len(t, result.Holdings, 1)
	assert.Equal(t, "A", result.Holdings[0].Address)
	assert.Equal(t, 0, f.ledger.SendAttempts("A"))
	assert.NoError(t, result.CheckConservation())
}

func TestDomino_FeeOnTop(t *testing.T) {
	f := newFixture("2.0")

	opts := testOptions(domain.StrategyDomino)
	opts.FeeMode = domain.FeeModeOnTop

	result, err := f.service().Start(context.Background(), f.chain(t), dec("1.5"), opts)
	require.NoError(t, err)

	// The source pays the first fee on top; intermediaries forward what they
	// received minus the fee
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
	require.Len(t, result.Hops, 3)
	for i, want := range []string{"1.5", "1.49", "1.48"} {
		assert.True(t, result.Hops[i].Sent.Equal(dec(want)), "hop %d sent %s", i, result.Hops[i].Sent)
	}
	assert.Equal(t, domain.FeeModeOnTop, result.Hops[0].FeeMode)
	assert.Equal(t, domain.FeeModeDeduct, result.Hops[1].FeeMode)
	assert.True(t, result.Delivered.Equal(dec("1.48")))
	assert.True(t, result.TotalFees.Equal(dec("0.03")))
	assert.True(t, f.ledger.Balance("S").Equal(dec("0.49")))
	assert.True(t, f.ledger.Balance("A").IsZero())
	assert.NoError(t, result.CheckConservation())
}

func TestLeafway_DeliversEveryBranch(t *testing.T) {
	f := newFixture("2.0")

	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), testOptions(domain.StrategyLeafway))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusDelivered, result.Status)
	require.Len(t, result.Branches, 2)

	shares := decimal.Zero
	for _, branch := range result.Branches {
		assert.Equal(t, domain.BranchDelivered, branch.Status)
		assert.Nil(t, branch.Holding)
		shares = shares.Add(branch.Share)
	}
	assert.True(t, shares.Equal(dec("2.0")))

	// Delivered = amount - fees of every split and consolidate
	assert.True(t, result.TotalFees.Equal(dec("0.04")))
	assert.True(t, result.Delivered.Equal(dec("1.96")))
	assert.True(t, f.ledger.Balance("D").Equal(dec("1.96")))
	assert.NoError(t, result.CheckConservation())
	assert.Equal(t, 0, f.ledger.OpenSessions())
}

func TestLeafway_PartialDelivery(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("B", domain.NewPermanentError("destination rejected"))

	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), testOptions(domain.StrategyLeafway))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartiallyDelivered, result.Status)
	require.Len(t, result.Branches, 2)

	branchA, branchB := result.Branches[0], result.Branches[1]
	assert.Equal(t, domain.BranchDelivered, branchA.Status)
	assert.True(t, branchA.Split.Sent.Equal(dec("0.99")))
	assert.True(t, branchA.Consolidate.Sent.Equal(dec("0.98")))

	assert.Equal(t, domain.BranchStalledAtIntermediary, branchB.Status)
	require.NotNil(t, branchB.Holding)
	assert.Equal(t, "B", branchB.Holding.Address)
	assert.True(t, branchB.Holding.Amount.Equal(dec("0.99")))
	assert.Equal(t, 1, branchB.Consolidate.Attempts)

	assert.True(t, result.Delivered.Equal(dec("0.98")))
	assert.True(t, result.TotalFees.Equal(dec("0.03")))
	assert.True(t, f.ledger.Balance("B").Equal(dec("0.99")))
	assert.NoError(t, result.CheckConservation())
}

func TestLeafway_SplitFailureDoesNotBlockSiblings(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("S", domain.NewPermanentError("rejected"))

	opts := testOptions(domain.StrategyLeafway)
	opts.MaxParallel = 1

	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartiallyDelivered, result.Status)
	assert.Equal(t, domain.BranchStalledAtSource, result.Branches[0].Status)
	assert.Equal(t, "S", result.Branches[0].Holding.Address)
	assert.True(t, result.Branches[0].Holding.Amount.Equal(dec("1.0")))
	assert.Nil(t, result.Branches[0].Consolidate)
	assert.Equal(t, domain.BranchDelivered, result.Branches[1].Status)
	assert.True(t, result.Delivered.Equal(dec("0.98")))
	assert.NoError(t, result.CheckConservation())
}

func TestLeafway_WeightedSplit(t *testing.T) {
	f := newFixture("2.0")

	opts := testOptions(domain.StrategyLeafway)
	opts.SplitWeights = []decimal.Decimal{dec("0.25"), dec("0.75")}

	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	assert.True(t, result.Branches[0].Share.Equal(dec("0.5")))
	assert.True(t, result.Branches[1].Share.Equal(dec("1.5")))
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
}

func TestLeafway_WeightsFollowCallerOrderWhenShuffled(t *testing.T) {
	f := newFixture("2.0")

	opts := testOptions(domain.StrategyLeafway)
	opts.ShuffleIntermediaries = true
	opts.SplitWeights = []decimal.Decimal{dec("0.25"), dec("0.75")}

	reverse := func(n int, swap func(i, j int)) { swap(0, 1) }
	result, err := f.service(WithShuffle(reverse)).Start(context.Background(), f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	require.Equal(t, []string{"S", "B", "A", "D"}, result.Route)
	require.Len(t, result.Branches, 2)
	assert.Equal(t, "B", result.Branches[0].Intermediary)
	assert.True(t, result.Branches[0].Share.Equal(dec("1.5")))
	assert.Equal(t, "A", result.Branches[1].Intermediary)
	assert.True(t, result.Branches[1].Share.Equal(dec("0.5")))

	assert.True(t, result.Branches[1].Split.Sent.Equal(dec("0.49")))
	assert.True(t, f.ledger.Balance("D").Equal(dec("1.96")))
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
}

func TestLeafway_FeeOnTopSplit(t *testing.T) {
	f := newFixture("2.1")
	f.ledger.FailSend("B", domain.NewPermanentError("destination rejected"))

	opts := testOptions(domain.StrategyLeafway)
	opts.FeeMode = domain.FeeModeOnTop

	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartiallyDelivered, result.Status)
	require.Len(t, result.Branches, 2)

	// Each intermediary receives its full share; the source paid both fees
	branchA, branchB := result.Branches[0], result.Branches[1]
	assert.True(t, branchA.Split.Sent.Equal(dec("1.0")))
	assert.True(t, branchA.Consolidate.Sent.Equal(dec("0.99")))
	assert.Equal(t, domain.FeeModeDeduct, branchA.Consolidate.FeeMode)

	assert.Equal(t, domain.BranchStalledAtIntermediary, branchB.Status)
	require.NotNil(t, branchB.Holding)
	assert.Equal(t, "B", branchB.Holding.Address)
	assert.True(t, branchB.Holding.Amount.Equal(dec("1.0")))
	assert.True(t, branchB.Consolidate.Requested.Equal(dec("1.0")))

	assert.True(t, result.Delivered.Equal(dec("0.99")))
	assert.True(t, result.TotalFees.Equal(dec("0.03")))
	assert.True(t, f.ledger.Balance("S").Equal(dec("0.08")))
	assert.True(t, f.ledger.Balance("D").Equal(dec("0.99")))
	assert.True(t, f.ledger.Balance("B").Equal(dec("1.0")))
	assert.NoError(t, result.CheckConservation())
}

func TestLeafway_SharedSourceCheckOnTop(t *testing.T) {
	f := newFixture("2.0")

	opts := testOptions(domain.StrategyLeafway)
	opts.FeeMode = domain.FeeModeOnTop

	// The source covers the amount but not the amount plus one fee per branch
	result, err := f.service().Start(context.Background(), f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusStalled, result.Status)
	for _, branch := range result.Branches {
		assert.Equal(t, domain.BranchStalledAtSource, branch.Status)
		assert.Equal(t, 0, branch.Split.Attempts)
	}
	assert.Empty(t, f.ledger.Transfers())
	assert.True(t, result.HeldAmount().Equal(dec("2.0")))
}

func TestLeafway_SessionsOnSourceAreSerialized(t *testing.T) {
	ledger := memory.NewLedger(dec("0.01"))
	ledger.SetLatency(2 * time.Millisecond)
	source := ledger.Open("S", dec("4.0"))
	dest := ledger.Open("D", decimal.Zero)
	var middle []domain.Account
	for _, address := range []string{"A", "B", "C", "E"} {
		middle = append(middle, ledger.Open(address, decimal.Zero))
	}

	chain, err := domain.NewTransferChain(source, middle, dest)
	require.NoError(t, err)

	svc := NewMixService(lock.NewLocalLocker(), nil, nil, nil, WithSleeper(noWait))
	result, err := svc.Start(context.Background(), chain, dec("4.0"), testOptions(domain.StrategyLeafway))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusDelivered, result.Status)
	assert.Equal(t, 1, ledger.PeakSessions("S"))
	assert.True(t, result.Delivered.Equal(dec("3.92")))
	assert.Equal(t, 0, ledger.OpenSessions())
}

func TestLeafway_RejectsChainWithoutIntermediaries(t *testing.T) {
	f := newFixture("2.0")
	chain, err := domain.NewDirectChain(f.source, f.dest)
	require.NoError(t, err)

	_, err = f.service().Start(context.Background(), chain, dec("1.0"), testOptions(domain.StrategyLeafway))
	var chainErr *domain.InvalidChainError
	assert.True(t, errors.As(err, &chainErr))
	assert.Empty(t, f.ledger.Transfers())
}

func TestLeafway_CancelledBeforeBranchesStart(t *testing.T) {
	f := newFixture("2.0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleep := func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			cancel()
		}
		return ctx.Err()
	}

	opts := testOptions(domain.StrategyLeafway)
	opts.BranchStagger = time.Minute

	// Stagger values are rand * bound; a fixed 0.5 keeps them positive
	svc := NewMixService(lock.NewLocalLocker(), nil, nil, nil, WithSleeper(sleep), WithRand(func() float64 { return 0.5 }))
	result, err := svc.Start(ctx, f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	assert.True(t, result.Cancelled)
	assert.Equal(t, domain.RunStatusStalled, result.Status)
	for _, branch := range result.Branches {
		assert.Equal(t, domain.BranchNotStarted, branch.Status)
		assert.Equal(t, "S", branch.Holding.Address)
	}
	assert.Empty(t, f.ledger.Transfers())
	assert.NoError(t, result.CheckConservation())
}
