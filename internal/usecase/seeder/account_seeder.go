package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// AccountRegistry is a wallet backend that can open accounts
type AccountRegistry interface {
	domain.AccountDirectory
	Register(ctx context.Context, address string, balance decimal.Decimal) error
}

// SeedAccount defines an account to be seeded
type SeedAccount struct {
	Address string
	Balance decimal.Decimal
}

// AccountSeeder handles seeding of development accounts
type AccountSeeder struct {
	registry AccountRegistry
}

// NewAccountSeeder creates a new AccountSeeder instance
func NewAccountSeeder(registry AccountRegistry) *AccountSeeder {
	return &AccountSeeder{
		registry: registry,
	}
}

// Seed ensures every account exists in the registry.
// Existing accounts keep their balance. Returns the number of accounts created.
func (s *AccountSeeder) Seed(ctx context.Context, accounts []SeedAccount) (int, error) {
	created := 0
	for _, account := range accounts {
		if account.Address == "" {
			return created, errors.New("seed account address is required")
		}
		if account.Balance.IsNegative() {
			return created, fmt.Errorf("seed account %s has a negative balance", account.Address)
		}

		// Try to find the account first
		_, err := s.registry.Lookup(ctx, account.Address)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return created, fmt.Errorf("failed to look up account %s: %w", account.Address, err)
		}

		// Account doesn't exist, create it
		if err := s.registry.Register(ctx, account.Address, account.Balance); err != nil {
			return created, fmt.Errorf("failed to register account %s: %w", account.Address, err)
		}
		created++
	}

	return created, nil
}
