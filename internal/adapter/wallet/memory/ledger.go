package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// Transfer is one settled movement in the ledger
type Transfer struct {
	From     string
	To       string
	Amount   decimal.Decimal
	Fee      decimal.Decimal
	Priority domain.Priority
	At       time.Time
}

// Ledger is an in-memory wallet backend.
// It implements domain.AccountDirectory and hands out accounts that honour the
// session contract: every call outside an active session fails with
// domain.ErrSessionInactive. Failures can be scripted per account.
type Ledger struct {
	mu sync.Mutex

	balances map[string]decimal.Decimal
	fees     map[domain.Priority]decimal.Decimal
	latency  time.Duration

	sendFailures    map[string][]error
	acquireFailures map[string][]error
	beforeSend      func(from string, attempt int)

	transfers    []Transfer
	sendAttempts map[string]int
	active       map[string]int
	peak         map[string]int
	acquired     map[string]int
	released     map[string]int
}

// NewLedger creates an empty ledger charging defaultFee at every priority
func NewLedger(defaultFee decimal.Decimal) *Ledger {
	return &Ledger{
		balances: make(map[string]decimal.Decimal),
		fees: map[domain.Priority]decimal.Decimal{
			domain.PriorityLow:      defaultFee,
			domain.PriorityMedium:   defaultFee,
			domain.PriorityHigh:     defaultFee,
			domain.PriorityVeryHigh: defaultFee,
		},
		sendFailures:    make(map[string][]error),
		acquireFailures: make(map[string][]error),
		sendAttempts:    make(map[string]int),
		active:          make(map[string]int),
		peak:            make(map[string]int),
		acquired:        make(map[string]int),
		released:        make(map[string]int),
	}
}

// Open registers an account with an initial balance and returns it.
// Opening an existing address resets its balance.
func (l *Ledger) Open(address string, balance decimal.Decimal) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[address] = balance
	return &Account{ledger: l, address: address}
}

// Register opens address with balance unless it already exists
func (l *Ledger) Register(ctx context.Context, address string, balance decimal.Decimal) error {
	if address == "" {
		return errors.New("address is required")
	}
	if balance.IsNegative() {
		return fmt.Errorf("balance of %s cannot be negative", address)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[address]; ok {
		return fmt.Errorf("account %s already exists", address)
	}
	l.balances[address] = balance
	return nil
}

// Lookup implements domain.AccountDirectory
func (l *Ledger) Lookup(ctx context.Context, address string) (domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[address]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, address)
	}
	return &Account{ledger: l, address: address}, nil
}

// Addresses returns every registered address, sorted
func (l *Ledger) Addresses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	addresses := make([]string, 0, len(l.balances))
	for address := range l.balances {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	return addresses
}

// SetFee sets the fee charged at a priority
func (l *Ledger) SetFee(priority domain.Priority, fee decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fees[priority] = fee
}

// SetLatency delays every balance, fee and send call
func (l *Ledger) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

// FailSend makes the next len(errs) sends from address fail with errs, in order.
// A nil entry lets that send go through.
func (l *Ledger) FailSend(address string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendFailures[address] = append(l.sendFailures[address], errs...)
}

// FailAcquire makes the next len(errs) session acquisitions on address fail
func (l *Ledger) FailAcquire(address string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquireFailures[address] = append(l.acquireFailures[address], errs...)
}

// BeforeSend registers a hook called before each send attempt is processed
func (l *Ledger) BeforeSend(hook func(from string, attempt int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.beforeSend = hook
}

// Balance returns the current balance of address
func (l *Ledger) Balance(address string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address]
}

// Transfers returns the settled transfers in order
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}

// SendAttempts returns how many sends were attempted from address
func (l *Ledger) SendAttempts(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendAttempts[address]
}

// PeakSessions returns the highest number of simultaneously active sessions
// observed on address
func (l *Ledger) PeakSessions(address string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak[address]
}

// OpenSessions returns the number of sessions acquired but not yet released
// across all accounts
func (l *Ledger) OpenSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := 0
	for address := range l.acquired {
		open += l.acquired[address] - l.released[address]
	}
	return open
}

func (l *Ledger) wait(ctx context.Context) error {
	l.mu.Lock()
	latency := l.latency
	l.mu.Unlock()

	if latency <= 0 {
		return nil
	}

	timer := time.NewTimer(latency)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return domain.NewTransientError("wallet call interrupted: " + ctx.Err().Error())
	}
}

func (l *Ledger) acquire(address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[address]; !ok {
		return &domain.SessionError{Address: address, Err: domain.ErrAccountNotFound}
	}

	if queue := l.acquireFailures[address]; len(queue) > 0 {
		err := queue[0]
		l.acquireFailures[address] = queue[1:]
		if err != nil {
			return &domain.SessionError{Address: address, Err: err}
		}
	}

	l.acquired[address]++
	l.active[address]++
	if l.active[address] > l.peak[address] {
		l.peak[address] = l.active[address]
	}
	return nil
}

func (l *Ledger) release(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.released[address]++
	l.active[address]--
}

func (l *Ledger) fee(priority domain.Priority) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fee, ok := l.fees[priority]
	if !ok {
		return decimal.Zero, domain.NewPermanentError("unsupported priority " + string(priority))
	}
	return fee, nil
}

func (l *Ledger) send(from string, amount decimal.Decimal, to string, priority domain.Priority) error {
	l.mu.Lock()
	l.sendAttempts[from]++
	attempt := l.sendAttempts[from]
	hook := l.beforeSend
	l.mu.Unlock()

	if hook != nil {
		hook(from, attempt)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if queue := l.sendFailures[from]; len(queue) > 0 {
		err := queue[0]
		l.sendFailures[from] = queue[1:]
		if err != nil {
			return err
		}
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.NewPermanentError("amount must be positive")
	}

	if _, ok := l.balances[to]; !ok {
		return domain.NewPermanentError("invalid destination address " + to)
	}

	fee, ok := l.fees[priority]
	if !ok {
		return domain.NewPermanentError("unsupported priority " + string(priority))
	}

	required := amount.Add(fee)
	if required.GreaterThan(l.balances[from]) {
		return &domain.InsufficientFundsError{Address: from, Required: required, Available: l.balances[from]}
	}

	l.balances[from] = l.balances[from].Sub(required)
	l.balances[to] = l.balances[to].Add(amount)
	l.transfers = append(l.transfers, Transfer{
		From:     from,
		To:       to,
		Amount:   amount,
		Fee:      fee,
		Priority: priority,
		At:       time.Now(),
	})
	return nil
}

func (l *Ledger) balance(address string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address]
}
