package main

import (
	"fmt"
	"strconv"
	"strings"

	"feeledger/protocol/params"
)

// Amount is a monetary value in minor units (1 RWF = 100 minor units).
//
// Amounts are integers so that the hash preimage of a block is identical on
// every platform; the textual form always carries exactly two decimals.
type Amount uint64

// MaxAmount is the largest amount accepted from user input (exclusive),
// 10^10 major units.
const MaxAmount = Amount(10_000_000_000 * params.MinorUnitsPerMajor)

// String renders the amount as "<whole>.<two digits>", the form used in the
// block hash preimage.
func (a Amount) String() string {
	return fmt.Sprintf("%d.%02d", uint64(a)/params.MinorUnitsPerMajor, uint64(a)%params.MinorUnitsPerMajor)
}

// Major returns the amount in major units, for display only.
func (a Amount) Major() float64 {
	return float64(a) / params.MinorUnitsPerMajor
}

// formatAmount renders an amount for people, with the currency suffix.
func formatAmount(a Amount) string {
	return a.String() + " RWF"
}

// parseAmount parses "1000", "1000.5", "1000.50" or "1000.50 RWF" into minor
// units. Digits beyond the second decimal are truncated, not rounded.
func parseAmount(s string) (Amount, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "RWF")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid amount format")
	}

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount format: %w", err)
	}

	const scale = uint64(params.MinorUnitsPerMajor)
	if whole > (^uint64(0))/scale {
		return 0, fmt.Errorf("amount too large")
	}
	result := whole * scale

	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > 2 {
			fracStr = fracStr[:2]
		} else {
			fracStr = fracStr + strings.Repeat("0", 2-len(fracStr))
		}
		frac, err := strconv.ParseUint(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount format: %w", err)
		}
		if result > (^uint64(0))-frac {
			return 0, fmt.Errorf("amount too large")
		}
		result += frac
	}

	return Amount(result), nil
}
