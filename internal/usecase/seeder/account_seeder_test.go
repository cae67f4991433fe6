package seeder

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/simaogato/mixflow-backend/internal/adapter/wallet/memory"
	"github.com/simaogato/mixflow-backend/internal/domain"
)

// MockAccountRegistry is a mock implementation of AccountRegistry
type MockAccountRegistry struct {
	mock.Mock
}

func (m *MockAccountRegistry) Lookup(ctx context.Context, address string) (domain.Account, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Account), args.Error(1)
}

func (m *MockAccountRegistry) Register(ctx context.Context, address string, balance decimal.Decimal) error {
	args := m.Called(ctx, address, balance)
	return args.Error(0)
}

func TestAccountSeeder_Seed_AccountsMissing(t *testing.T) {
	ctx := context.Background()
	mockRegistry := new(MockAccountRegistry)
	seeder := NewAccountSeeder(mockRegistry)

	// Mock Lookup to return "not found" for both accounts
	mockRegistry.On("Lookup", ctx, "S").Return(nil, domain.ErrAccountNotFound)
	mockRegistry.On("Lookup", ctx, "A").Return(nil, domain.ErrAccountNotFound)

	mockRegistry.On("Register", ctx, "S", mock.MatchedBy(func(balance decimal.Decimal) bool {
		return balance.Equal(decimal.RequireFromString("2.5"))
	})).Return(nil)
	mockRegistry.On("Register", ctx, "A", mock.MatchedBy(func(balance decimal.Decimal) bool {
		return balance.IsZero()
	})).Return(nil)

	// Execute
	created, err := seeder.Seed(ctx, []SeedAccount{
		{Address: "S", Balance: decimal.RequireFromString("2.5")},
		{Address: "A", Balance: decimal.Zero},
	})

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, 2, created)
	mockRegistry.AssertExpectations(t)
	mockRegistry.AssertNumberOfCalls(t, "Register", 2)
}

func TestAccountSeeder_Seed_ExistingAccountsAreKept(t *testing.T) {
	ledger := memory.NewLedger(decimal.Zero)
	ledger.Open("S", decimal.RequireFromString("9"))
	seeder := NewAccountSeeder(ledger)

	created, err := seeder.Seed(context.Background(), []SeedAccount{
		{Address: "S", Balance: decimal.RequireFromString("1")},
		{Address: "D", Balance: decimal.Zero},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.True(t, ledger.Balance("S").Equal(decimal.RequireFromString("9")))
	assert.Equal(t, []string{"D", "S"}, ledger.Addresses())
}

func TestAccountSeeder_Seed_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("lookup failure", func(t *testing.T) {
		mockRegistry := new(MockAccountRegistry)
		mockRegistry.On("Lookup", ctx, "S").Return(nil, errors.New("backend down"))

		_, err := NewAccountSeeder(mockRegistry).Seed(ctx, []SeedAccount{{Address: "S"}})
		assert.Error(t, err)
		mockRegistry.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("register failure", func(t *testing.T) {
		mockRegistry := new(MockAccountRegistry)
		mockRegistry.On("Lookup", ctx, "S").Return(nil, domain.ErrAccountNotFound)
		mockRegistry.On("Register", ctx, "S", mock.Anything).Return(errors.New("read only"))

		_, err := NewAccountSeeder(mockRegistry).Seed(ctx, []SeedAccount{{Address: "S"}})
		assert.Error(t, err)
	})

	t.Run("invalid accounts", func(t *testing.T) {
		mockRegistry := new(MockAccountRegistry)
		seeder := NewAccountSeeder(mockRegistry)

		_, err := seeder.Seed(ctx, []SeedAccount{{Address: ""}})
		assert.Error(t, err)

		_, err = seeder.Seed(ctx, []SeedAccount{{Address: "S", Balance: decimal.RequireFromString("-1")}})
		assert.Error(t, err)
		mockRegistry.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
	})
}
