package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Priority represents the fee tier used for a transfer
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityVeryHigh Priority = "very_high"
)

// ParsePriority converts a user supplied string into a Priority
// Empty input yields PriorityLow, the default tier
func ParsePriority(raw string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "very_high", "very high", "veryhigh":
		return PriorityVeryHigh, nil
	default:
		return "", errors.New("invalid priority: " + raw)
	}
}

// Account is the capability to act on one wallet.
// The engine only references accounts; their lifecycle (creation, credentials,
// login mechanics) belongs to the wallet implementation.
type Account interface {
	// Address returns the public identifier other accounts send to
	Address() string

	// AcquireSession activates the account. Every successful call must be
	// paired with Session.Release on all exit paths.
	// Failures are reported as *SessionError.
	AcquireSession(ctx context.Context) (Session, error)
}

// Session is an active account session.
// All calls after Release must fail with ErrSessionInactive.
type Session interface {
	// Balance returns the currently spendable balance
	Balance(ctx context.Context) (decimal.Decimal, error)

	// TransferFee returns the estimated fee for one transfer at the given priority
	TransferFee(ctx context.Context, priority Priority) (decimal.Decimal, error)

	// Send transfers amount to toAddress. The fee is charged on top of amount.
	// Failures are reported as *TransferError.
	Send(ctx context.Context, amount decimal.Decimal, toAddress string, priority Priority) error

	// Release ends the session
	Release(ctx context.Context) error
}

// AccountLocker serializes access to an account across concurrent users.
// Lock blocks until the address is free or ctx is done.
type AccountLocker interface {
	Lock(ctx context.Context, address string) (unlock func(), err error)
}

// AccountDirectory resolves an address into an Account
type AccountDirectory interface {
	Lookup(ctx context.Context, address string) (Account, error)
}
