package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveAmount is returned when a run is started with amount <= 0
	ErrNonPositiveAmount = errors.New("mix amount must be positive")

	// ErrSessionInactive signals a call on a session that was released or never
	// activated. It is a contract violation by the caller and is never retried.
	ErrSessionInactive = errors.New("account session is not active")

	// ErrUnknownStrategy is returned for a strategy outside the supported set
	ErrUnknownStrategy = errors.New("invalid strategy")

	// ErrRunNotFound is returned by RunRepository when no run matches
	ErrRunNotFound = errors.New("mix run not found")

	// ErrAccountNotFound is returned by AccountDirectory when no account matches
	ErrAccountNotFound = errors.New("account not found")
)

// InvalidChainError reports a malformed transfer route
type InvalidChainError struct {
	Reason string
}

func (e *InvalidChainError) Error() string {
	return "invalid transfer chain: " + e.Reason
}

// InsufficientFundsError reports a balance shortfall on an account
type InsufficientFundsError struct {
	Address   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds at %s: required %s, available %s",
		e.Address, e.Required.String(), e.Available.String())
}

// SessionError reports an account session that could not be acquired
type SessionError struct {
	Address string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "session error at " + e.Address
	}
	return fmt.Sprintf("session error at %s: %v", e.Address, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// FailureKind classifies a transfer failure for retry purposes
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailurePermanent FailureKind = "PERMANENT"
	FailureCancelled FailureKind = "CANCELLED"
)

// TransferError is returned by Session.Send when the underlying system
// rejects or fails to deliver a transfer
type TransferError struct {
	Kind   FailureKind
	Detail string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s transfer error: %s", e.Kind, e.Detail)
}

// NewTransientError builds a retryable TransferError
func NewTransientError(detail string) *TransferError {
	return &TransferError{Kind: FailureTransient, Detail: detail}
}

// NewPermanentError builds a non-retryable TransferError
func NewPermanentError(detail string) *TransferError {
	return &TransferError{Kind: FailurePermanent, Detail: detail}
}

// ClassifyFailure decides how a failed attempt is treated.
// Session and network-type errors are transient; insufficient funds, invalid
// chains and explicit permanent rejections are permanent. Errors the wallet
// did not classify are retried, since every retry re-validates the balance.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCancelled
	}

	var transferErr *TransferError
	if errors.As(err, &transferErr) {
		if transferErr.Kind == FailurePermanent {
			return FailurePermanent
		}
		return FailureTransient
	}

	var fundsErr *InsufficientFundsError
	if errors.As(err, &fundsErr) {
		return FailurePermanent
	}

	var chainErr *InvalidChainError
	if errors.As(err, &chainErr) {
		return FailurePermanent
	}

	if errors.Is(err, ErrSessionInactive) {
		return FailurePermanent
	}

	return FailureTransient
}

// IsTransient reports whether err may succeed on a later attempt
func IsTransient(err error) bool {
	return ClassifyFailure(err) == FailureTransient
}

// IsContractViolation reports whether err means an account was used outside
// an active session
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrSessionInactive)
}
