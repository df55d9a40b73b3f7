package calc

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var maxUint64 = DecimalFromUint64(math.MaxUint64)

// ParseAmount reads a base-unit token amount. Fractions, negatives and values
// beyond u64 are rejected.
func ParseAmount(raw string, operation string) (uint64, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s amount %q: %w", operation, raw, err)
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("invalid %s amount: cannot be negative", operation)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return 0, fmt.Errorf("invalid %s amount: must be a whole number of base units", operation)
	}
	if amount.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("invalid %s amount: too large", operation)
	}
	return amount.BigInt().Uint64(), nil
}

// ValidateQuoteAge checks if a cached quote is still fresh
func ValidateQuoteAge(computedAt time.Time, maxAge time.Duration) error {
	age := time.Since(computedAt)
	if age > maxAge {
		return fmt.Errorf("quote too stale: %v > %v", age, maxAge)
	}
	return nil
}

// ValidateVaultState performs basic sanity checks on vault accounting
func ValidateVaultState(totalAmount, receiptSupply, locked uint64) error {
	if locked > totalAmount {
		return fmt.Errorf("locked profit %d exceeds vault total %d", locked, totalAmount)
	}
	if receiptSupply > 0 && totalAmount == 0 {
		return fmt.Errorf("vault has %d receipts outstanding but holds nothing", receiptSupply)
	}
	return nil
}
