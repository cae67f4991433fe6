package allocator

import (
	"errors"

	"github.com/shopspring/decimal"
)

// CalculateShares divides a total amount into count shares for the fan-out split
// Returns the shares in branch order
// Logic:
//  1. With no weights, every branch gets an equal weight of 1/count
//  2. Each share is total * weight, truncated (never rounded up) to `places` decimals
//  3. The last share absorbs the truncation leftover
//
// Safety: Ensures the sum of shares equals the total exactly (no unit lost)
func CalculateShares(total decimal.Decimal, count int, weights []decimal.Decimal, places int32) ([]decimal.Decimal, error) {
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("total amount must be positive")
	}

	if count <= 0 {
		return nil, errors.New("share count must be positive")
	}

	if len(weights) > 0 {
		if err := ValidateWeights(weights, count); err != nil {
			return nil, err
		}
	}

	if !total.Equal(total.Truncate(places)) {
		return nil, errors.New("total amount has more precision than the currency allows")
	}

	shares := make([]decimal.Decimal, count)
	allocatedSoFar := decimal.Zero
	equalShare := total.Div(decimal.NewFromInt(int64(count)))

	for i := 0; i < count-1; i++ {
		share := equalShare
		if len(weights) > 0 {
			share = total.Mul(weights[i])
		}
		share = share.Truncate(places)
		shares[i] = share
		allocatedSoFar = allocatedSoFar.Add(share)
	}

	// Last share takes whatever is left
	shares[count-1] = total.Sub(allocatedSoFar)

	for _, share := range shares {
		if share.LessThanOrEqual(decimal.Zero) {
			return nil, errors.New("split produces a non-positive share")
		}
	}

	// Safety check: Ensure total allocation equals total amount exactly
	totalAllocated := decimal.Zero
	for _, share := range shares {
		totalAllocated = totalAllocated.Add(share)
	}
	if !totalAllocated.Equal(total) {
		return nil, errors.New("total allocation does not equal total amount")
	}

	return shares, nil
}

// ValidateWeights ensures caller supplied split weights are usable:
// one positive weight per branch, summing to exactly 1
func ValidateWeights(weights []decimal.Decimal, count int) error {
	if len(weights) != count {
		return errors.New("split weights must have one entry per intermediary")
	}

	sum := decimal.Zero
	for _, weight := range weights {
		if weight.LessThanOrEqual(decimal.Zero) {
			return errors.New("split weights must be positive")
		}
		sum = sum.Add(weight)
	}

	if !sum.Equal(decimal.NewFromInt(1)) {
		return errors.New("split weights must sum to 1")
	}

	return nil
}
