package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// Scope runs work inside an account session.
// It serializes access per account through the locker and guarantees the
// session is released on every exit path.
type Scope struct {
	Locker domain.AccountLocker // Optional: nil disables locking
	Logger *zap.Logger
}

// NewScope creates a new Scope instance
func NewScope(locker domain.AccountLocker, logger *zap.Logger) *Scope {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scope{Locker: locker, Logger: logger}
}

// Do locks the account, acquires a session, runs fn and releases both.
// Lock and acquire failures are returned as *domain.SessionError (or the
// context error when ctx is done). A failing Release is logged but never turns
// a finished fn into a failure: the work it did has already happened.
func (s *Scope) Do(ctx context.Context, account domain.Account, fn func(domain.Session) error) error {
	address := account.Address()
	logger := s.logger()

	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("lock account %s: %w", address, ctx.Err())
			}
			return &domain.SessionError{Address: address, Err: fmt.Errorf("lock account: %w", err)}
		}
		defer unlock()
	}

	session, err := account.AcquireSession(ctx)
	if err != nil {
		var sessionErr *domain.SessionError
		if errors.As(err, &sessionErr) {
			return err
		}
		return &domain.SessionError{Address: address, Err: err}
	}
	if session == nil {
		return &domain.SessionError{Address: address, Err: errors.New("wallet returned no session")}
	}

	defer func() {
		// Release must run even when ctx was cancelled mid-operation
		if err := session.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release account session",
				zap.String("address", address),
				zap.Error(err),
			)
		}
	}()

	return fn(session)
}

func (s *Scope) logger() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
