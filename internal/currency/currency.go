// Package currency provides parsing and formatting of token amounts.
//
// All amounts are handled as big.Int in the token's smallest unit
// (e.g. 1 USDC = 1,000,000 units at 6 decimals). No floating point is
// used anywhere; decimal strings are the only human-facing form.
package currency

import (
	"math/big"
	"strings"
)

// DefaultDecimals matches USDC, the most common settlement token.
const DefaultDecimals = 6

// MaxDecimals bounds token precision (18 covers native ETH and ERC-20s).
const MaxDecimals = 18

// Currency describes the asset a payment is denominated in.
// A zero TokenAddr means the chain's native asset.
type Currency struct {
	TokenAddr string `json:"tokenAddr,omitempty"`
	Symbol    string `json:"symbol"`
	Decimals  int    `json:"decimals"`
}

// Native reports whether the currency is the chain's native asset.
func (c Currency) Native() bool {
	return c.TokenAddr == ""
}

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation at the given precision. Returns (nil, false)
// on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the token's decimals
func Parse(s string, decimals int) (*big.Int, bool) {
	if decimals < 0 || decimals > MaxDecimals {
		return nil, false
	}
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to the token's precision.
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly `decimals` fractional digits (e.g. "1.500000" at 6).
func Format(amount *big.Int, decimals int) string {
	if decimals < 0 || decimals > MaxDecimals {
		decimals = DefaultDecimals
	}
	if amount == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	cut := len(s) - decimals
	result := s[:cut]
	if decimals > 0 {
		result += "." + s[cut:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

// MustParse is Parse for trusted inputs (constants, stored values).
// It panics on invalid input.
func MustParse(s string, decimals int) *big.Int {
	v, ok := Parse(s, decimals)
	if !ok {
		panic("currency: invalid amount " + s)
	}
	return v
}
