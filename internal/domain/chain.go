package domain

// TransferChain describes a mixing route: a source account, an ordered list of
// intermediary accounts and a destination account.
// The caller owns the accounts; the chain only references them.
type TransferChain struct {
	Source         Account
	Intermediaries []Account
	Destination    Account

	direct bool // built by NewDirectChain, zero intermediaries allowed
}

// Hop is one transfer leg between two accounts of a chain
type Hop struct {
	Index int
	From  Account
	To    Account
}

// NewTransferChain builds and validates a mixing route.
// The intermediaries slice is copied so later changes by the caller do not
// affect the chain.
func NewTransferChain(source Account, intermediaries []Account, destination Account) (*TransferChain, error) {
	middle := make([]Account, len(intermediaries))
	copy(middle, intermediaries)

	chain := &TransferChain{
		Source:         source,
		Intermediaries: middle,
		Destination:    destination,
	}
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	return chain, nil
}

// NewDirectChain builds a route without intermediaries.
// Only the sequential strategy accepts it; it degenerates into a single transfer.
func NewDirectChain(source Account, destination Account) (*TransferChain, error) {
	chain := &TransferChain{
		Source:      source,
		Destination: destination,
		direct:      true,
	}
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	return chain, nil
}

// Validate ensures the chain adheres to domain rules
// CRITICAL: source, intermediaries and destination must be pairwise distinct
func (c *TransferChain) Validate() error {
	if c == nil {
		return &InvalidChainError{Reason: "chain is nil"}
	}
	if c.Source == nil {
		return &InvalidChainError{Reason: "source account is required"}
	}
	if c.Destination == nil {
		return &InvalidChainError{Reason: "destination account is required"}
	}
	if len(c.Intermediaries) == 0 && !c.direct {
		return &InvalidChainError{Reason: "at least one intermediary is required"}
	}

	seen := make(map[string]string, len(c.Intermediaries)+2)
	check := func(role string, account Account) error {
		if account == nil {
			return &InvalidChainError{Reason: role + " account is nil"}
		}
		address := account.Address()
		if address == "" {
			return &InvalidChainError{Reason: role + " account has an empty address"}
		}
		if prev, ok := seen[address]; ok {
			return &InvalidChainError{Reason: role + " " + address + " already used as " + prev}
		}
		seen[address] = role
		return nil
	}

	if err := check("source", c.Source); err != nil {
		return err
	}
	for _, account := range c.Intermediaries {
		if err := check("intermediary", account); err != nil {
			return err
		}
	}
	return check("destination", c.Destination)
}

// IsDirect reports whether the chain has no intermediaries
func (c *TransferChain) IsDirect() bool {
	return len(c.Intermediaries) == 0
}

// HopCount returns the number of sequential transfers: one per intermediary
// plus the final hop into the destination
func (c *TransferChain) HopCount() int {
	return len(c.Intermediaries) + 1
}

// Route returns source, intermediaries and destination in order
func (c *TransferChain) Route() []Account {
	route := make([]Account, 0, len(c.Intermediaries)+2)
	route = append(route, c.Source)
	route = append(route, c.Intermediaries...)
	return append(route, c.Destination)
}

// Hops returns the (from, to) pairs of the sequential walk
// source -> intermediary_1 -> ... -> destination
func (c *TransferChain) Hops() []Hop {
	route := c.Route()
	hops := make([]Hop, 0, len(route)-1)
	for i := 0; i < len(route)-1; i++ {
		hops = append(hops, Hop{Index: i, From: route[i], To: route[i+1]})
	}
	return hops
}

// Branches returns the intermediaries as independent fan-out branches
func (c *TransferChain) Branches() []Account {
	branches := make([]Account, len(c.Intermediaries))
	copy(branches, c.Intermediaries)
	return branches
}

// WithIntermediaries returns a copy of the chain using a different order of
// intermediaries. The copy is validated again.
func (c *TransferChain) WithIntermediaries(intermediaries []Account) (*TransferChain, error) {
	middle := make([]Account, len(intermediaries))
	copy(middle, intermediaries)

	next := &TransferChain{
		Source:         c.Source,
		Intermediaries: middle,
		Destination:    c.Destination,
		direct:         c.direct,
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Addresses returns the addresses of the route in order
func (c *TransferChain) Addresses() []string {
	route := c.Route()
	addresses := make([]string, len(route))
	for i, account := range route {
		addresses[i] = account.Address()
	}
	return addresses
}
