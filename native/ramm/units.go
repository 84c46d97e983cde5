package ramm

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const etherDecimals = 18

// ParseEther converts a decimal token amount such as "0.0152" into wei.
func ParseEther(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must not be empty")
	}
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if hasFrac && frac == "" {
		return nil, fmt.Errorf("amount %q: missing fractional digits", raw)
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("amount %q: precision exceeds %d decimals", raw, etherDecimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", etherDecimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("amount %q: invalid digit %q", raw, r)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", raw, err)
	}
	return value, nil
}

// FormatEther renders a wei amount as a decimal token string without trailing
// zeros.
func FormatEther(v *uint256.Int) string {
	digits := orZero(v).Dec()
	if len(digits) <= etherDecimals {
		digits = strings.Repeat("0", etherDecimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-etherDecimals]
	frac := strings.TrimRight(digits[len(digits)-etherDecimals:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ParseWei parses an integer wei amount. An empty string yields zero.
func ParseWei(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	value, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wei amount %q: %w", raw, err)
	}
	return value, nil
}
