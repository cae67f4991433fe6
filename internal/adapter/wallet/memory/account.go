package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// Account is a ledger account implementing domain.Account
type Account struct {
	ledger  *Ledger
	address string
}

// Address implements domain.Account
func (a *Account) Address() string {
	return a.address
}

// AcquireSession implements domain.Account
func (a *Account) AcquireSession(ctx context.Context) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.SessionError{Address: a.address, Err: err}
	}
	if err := a.ledger.acquire(a.address); err != nil {
		return nil, err
	}
	return &Session{account: a, active: true}, nil
}

// Session is an active ledger session implementing domain.Session
type Session struct {
	account *Account

	mu     sync.Mutex
	active bool
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return domain.ErrSessionInactive
	}
	return nil
}

// Balance implements domain.Session
func (s *Session) Balance(ctx context.Context) (decimal.Decimal, error) {
	if err := s.check(); err != nil {
		return decimal.Zero, err
	}
	if err := s.account.ledger.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return s.account.ledger.balance(s.account.address), nil
}

// TransferFee implements domain.Session
func (s *Session) TransferFee(ctx context.Context, priority domain.Priority) (decimal.Decimal, error) {
	if err := s.check(); err != nil {
		return decimal.Zero, err
	}
	if err := s.account.ledger.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return s.account.ledger.fee(priority)
}

// Send implements domain.Session
func (s *Session) Send(ctx context.Context, amount decimal.Decimal, toAddress string, priority domain.Priority) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.account.ledger.wait(ctx); err != nil {
		return err
	}
	return s.account.ledger.send(s.account.address, amount, toAddress, priority)
}

// Release implements domain.Session
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return domain.ErrSessionInactive
	}
	s.active = false
	s.account.ledger.release(s.account.address)
	return nil
}
