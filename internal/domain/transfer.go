package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeMode decides who pays the transfer fee on a transfer leaving the source.
// An intermediary only holds what it received, so its transfers always
// deduct the fee.
type FeeMode string

const (
	// FeeModeDeduct takes the fee out of the moving amount: the sender is
	// debited exactly Amount and the receiver gets Amount - fee
	FeeModeDeduct FeeMode = "DEDUCT"

	// FeeModeOnTop sends the full Amount and charges the fee to the sender's
	// remaining balance
	FeeModeOnTop FeeMode = "ON_TOP"
)

// ParseFeeMode converts a user supplied string into a FeeMode
func ParseFeeMode(raw string) (FeeMode, bool) {
	switch raw {
	case "", "deduct", "DEDUCT":
		return FeeModeDeduct, true
	case "on_top", "ON_TOP", "ontop":
		return FeeModeOnTop, true
	default:
		return "", false
	}
}

// TransferRequest represents one hop a strategy wants executed.
// Amount is the gross amount leaving From; the net amount received by To
// depends on FeeMode and on the fee quoted at send time.
type TransferRequest struct {
	ID       uuid.UUID
	From     Account
	To       Account
	Amount   decimal.Decimal
	Priority Priority
	FeeMode  FeeMode
	Delay    time.Duration // Optional: wait before the first attempt
}

// TransferOutcome is the terminal result of one TransferRequest
type TransferOutcome struct {
	RequestID     uuid.UUID       `json:"request_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Requested     decimal.Decimal `json:"requested"` // Gross amount the strategy asked to move
	Sent          decimal.Decimal `json:"sent"`      // Amount received by To (zero on failure)
	Fee           decimal.Decimal `json:"fee"`       // Fee paid (zero on failure)
	FeeMode       FeeMode         `json:"fee_mode,omitempty"`
	Succeeded     bool            `json:"succeeded"`
	Attempts      int             `json:"attempts"`
	CompletedAt   time.Time       `json:"completed_at"`
	FailureKind   FailureKind     `json:"failure_kind,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Err           error           `json:"-"`
}

// Debited returns the total amount that left the sender
func (o TransferOutcome) Debited() decimal.Decimal {
	return o.Sent.Add(o.Fee)
}

// FeeFromAmount returns the fee a successful transfer took out of the moving
// amount: its whole fee unless the sender paid it on top
func (o TransferOutcome) FeeFromAmount() decimal.Decimal {
	if !o.Succeeded || o.FeeMode == FeeModeOnTop {
		return decimal.Zero
	}
	return o.Fee
}

// Residue returns the part of the requested amount a successful transfer left
// at the sender because of truncation to the smallest currency unit
func (o TransferOutcome) Residue() decimal.Decimal {
	if !o.Succeeded {
		return decimal.Zero
	}
	residue := o.Requested.Sub(o.Sent)
	if o.FeeMode != FeeModeOnTop {
		residue = residue.Sub(o.Fee)
	}
	if residue.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	return residue
}
