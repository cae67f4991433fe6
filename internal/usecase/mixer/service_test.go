package mixer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/simaogato/mixflow-backend/internal/adapter/lock"
	"github.com/simaogato/mixflow-backend/internal/domain"
)

// MockRunRepository is a mock implementation of RunRepository for testing
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Save(ctx context.Context, result *domain.MixRunResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.MixRunResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.MixRunResult), args.Error(1)
}

func (m *MockRunRepository) List(ctx context.Context, limit, offset int) ([]*domain.MixRunResult, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.MixRunResult), args.Error(1)
}

// MockEventPublisher is a mock implementation of EventPublisher for testing
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event domain.RunEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func eventOfType(eventType domain.RunEventType) interface{} {
	return mock.MatchedBy(func(event domain.RunEvent) bool {
		return event.Type == eventType
	})
}

func TestMixService_PersistsAndPublishes(t *testing.T) {
	f := newFixture("2.0")
	repo := new(MockRunRepository)
	publisher := new(MockEventPublisher)

	repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.MixRunResult")).Return(nil).Once()
	publisher.On("Publish", mock.Anything, eventOfType(domain.RunEventStarted)).Return(nil).Once()
	publisher.On("Publish", mock.Anything, eventOfType(domain.RunEventCompleted)).Return(nil).Once()

	svc := NewMixService(lock.NewLocalLocker(), repo, publisher, nil, WithSleeper(noWait))
	result, err := svc.Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDelivered, result.Status)

	repo.AssertExpectations(t)
	publisher.AssertExpectations(t)

	saved := repo.Calls[0].Arguments.Get(1).(*domain.MixRunResult)
	assert.Equal(t, result.ID, saved.ID)
}

func TestMixService_StalledRunPublishesStalled(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("S", domain.NewPermanentError("rejected"))
	publisher := new(MockEventPublisher)

	publisher.On("Publish", mock.Anything, eventOfType(domain.RunEventStarted)).Return(nil).Once()
	publisher.On("Publish", mock.Anything, eventOfType(domain.RunEventStalled)).Return(nil).Once()

	svc := NewMixService(nil, nil, publisher, nil, WithSleeper(noWait))
	result, err := svc.Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusStalled, result.Status)
	assert.Equal(t, 0, result.StalledAtHop)
	publisher.AssertExpectations(t)
}

func TestMixService_PersistenceFailureDoesNotFailRun(t *testing.T) {
	f := newFixture("2.0")
	repo := new(MockRunRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	svc := NewMixService(nil, repo, nil, nil, WithSleeper(noWait))
	result, err := svc.Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))

	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
}

func TestMixService_Preconditions(t *testing.T) {
	f := newFixture("1.0")
	svc := f.service()
	opts := testOptions(domain.StrategyDomino)

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := svc.Start(context.Background(), f.chain(t), dec("0"), opts)
		assert.ErrorIs(t, err, domain.ErrNonPositiveAmount)
	})

	t.Run("missing chain", func(t *testing.T) {
		_, err := svc.Start(context.Background(), nil, dec("1"), opts)
		var chainErr *domain.InvalidChainError
		assert.True(t, errors.As(err, &chainErr))
	})

	t.Run("excess precision", func(t *testing.T) {
		_, err := svc.Start(context.Background(), f.chain(t), dec("0.0000000000001"), opts)
		assert.Error(t, err)
	})

	t.Run("invalid options", func(t *testing.T) {
		bad := opts
		bad.Retry.MaxAttempts = 0
		_, err := svc.Start(context.Background(), f.chain(t), dec("0.5"), bad)
		assert.Error(t, err)
	})

	t.Run("source cannot cover amount", func(t *testing.T) {
		_, err := svc.Start(context.Background(), f.chain(t), dec("1.5"), opts)
		var fundsErr *domain.InsufficientFundsError
		require.True(t, errors.As(err, &fundsErr))
		assert.Equal(t, "S", fundsErr.Address)
		assert.True(t, IsPreconditionError(err))
	})

	t.Run("fee floor", func(t *testing.T) {
		withFloor := opts
		withFloor.FeeFloor = dec("0.1")
		_, err := svc.Start(context.Background(), f.chain(t), dec("0.95"), withFloor)
		var fundsErr *domain.InsufficientFundsError
		assert.True(t, errors.As(err, &fundsErr))
	})

	t.Run("session error during precondition check is fatal", func(t *testing.T) {
		f.ledger.FailAcquire("S", errors.New("wallet locked"))
		_, err := svc.Start(context.Background(), f.chain(t), dec("0.5"), opts)
		var sessionErr *domain.SessionError
		assert.True(t, errors.As(err, &sessionErr))
	})

	assert.Empty(t, f.ledger.Transfers())
	assert.Equal(t, 0, f.ledger.OpenSessions())
}

func TestMixService_LeafwayNeedsLocker(t *testing.T) {
	f := newFixture("2.0")
	svc := NewMixService(nil, nil, nil, nil, WithSleeper(noWait))

	_, err := svc.Start(context.Background(), f.chain(t), dec("2.0"), testOptions(domain.StrategyLeafway))
	assert.ErrorIs(t, err, ErrLockerRequired)
	assert.Empty(t, f.ledger.Transfers())

	_, err = svc.Plan(f.chain(t), dec("2.0"), testOptions(domain.StrategyLeafway))
	assert.ErrorIs(t, err, ErrLockerRequired)

	// Sequential runs never hold two sessions at once
	result, err := svc.Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusDelivered, result.Status)
}

func TestMixService_ContractViolationReturnsPartialResult(t *testing.T) {
	f := newFixture("2.0")
	f.ledger.FailSend("A", domain.ErrSessionInactive)

	result, err := f.service().Start(context.Background(), f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	assert.ErrorIs(t, err, domain.ErrSessionInactive)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.StalledAtHop)
	require.Len(t, result.Holdings, 1)
	assert.Equal(t, "A", result.Holdings[0].Address)
	assert.NoError(t, result.CheckConservation())
}

func TestMixService_PlanIsDryRun(t *testing.T) {
	f := newFixture("2.0")
	svc := f.service()

	opts := testOptions(domain.StrategyLeafway)
	opts.ConfirmationWait = 25 * time.Minute
	opts.BranchStagger = 10 * time.Second

	plan, err := svc.Plan(f.chain(t), dec("2.0"), opts)
	require.NoError(t, err)

	require.Len(t, plan.Groups, 2)
	assert.Equal(t, PhaseSplit, plan.Groups[0].Phase)
	assert.True(t, plan.Groups[0].Parallel)
	assert.Len(t, plan.Groups[0].Requests, 2)
	assert.Equal(t, PhaseConsolidate, plan.Groups[1].Phase)
	assert.Equal(t, 25*time.Minute+10*time.Second, plan.EstimatedDuration)

	dominoPlan, err := svc.Plan(f.chain(t), dec("1.5"), testOptions(domain.StrategyDomino))
	require.NoError(t, err)
	assert.Len(t, dominoPlan.Groups, 3)
	assert.True(t, dominoPlan.Groups[0].Requests[0].Amount.Equal(dec("1.5")))

	assert.Empty(t, f.ledger.Transfers())
	assert.True(t, f.ledger.Balance("S").Equal(dec("2.0")))
}

func TestMixService_ShuffleWorksOnCopy(t *testing.T) {
	f := newFixture("2.0")
	reverse := func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}
	svc := f.service(WithShuffle(reverse))
	chain := f.chain(t)

	opts := testOptions(domain.StrategyDomino)
	opts.ShuffleIntermediaries = true

	result, err := svc.Start(context.Background(), chain, dec("1.5"), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"S", "B", "A", "D"}, result.Route)
	assert.Equal(t, []string{"S", "A", "B", "D"}, chain.Addresses())
	assert.Equal(t, "B", result.Hops[0].To)
}

func TestMixService_GetAndListRuns(t *testing.T) {
	repo := new(MockRunRepository)
	svc := NewMixService(nil, repo, nil, nil)
	id := uuid.New()
	stored := &domain.MixRunResult{ID: id, Status: domain.RunStatusDelivered}

	repo.On("GetByID", mock.Anything, id).Return(stored, nil)
	repo.On("List", mock.Anything, 20, 0).Return([]*domain.MixRunResult{stored}, nil)

	got, err := svc.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	runs, err := svc.ListRuns(context.Background(), 0, -1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = NewMixService(nil, nil, nil, nil).GetRun(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"unknown strategy", func(o *Options) { o.Strategy = "ZIGZAG" }},
		{"unknown priority", func(o *Options) { o.Priority = "urgent" }},
		{"unknown fee mode", func(o *Options) { o.FeeMode = "SPLIT" }},
		{"negative delay", func(o *Options) { o.InterHopDelay = -time.Second }},
		{"negative parallelism", func(o *Options) { o.MaxParallel = -1 }},
		{"negative fee floor", func(o *Options) { o.FeeFloor = dec("-0.1") }},
		{"weights with domino", func(o *Options) { o.SplitWeights = []decimal.Decimal{dec("1")} }},
	}

	assert.NoError(t, DefaultOptions().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}
