// Package decimalx provides small decimal-rounding helpers shared by the
// exchange client and strategy layers. Every monetary or size quantity in
// this engine is a decimal.Decimal — never a binary float, §3.
package decimalx

import "github.com/shopspring/decimal"

// RoundDownStep truncates v down (toward negative infinity) to the nearest
// multiple of step. Used for both tick-size (price) and qty-step (size)
// alignment, §4.1/§6.1 — never rounds up, since an order quantity or price
// that rounds up could exceed the caller's intended notional.
func RoundDownStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundDownStepFloor is an alias kept for call sites that want to be
// explicit that v may be negative — floor behavior is identical either way.
func RoundDownStepFloor(v, step decimal.Decimal) decimal.Decimal {
	return RoundDownStep(v, step)
}

// CanonicalizeQty formats qty with trailing zeros removed, as the exchange's
// parser requires (§4.1, §6.1): "1.50" must be sent as "1.5", "2.00" as "2".
func CanonicalizeQty(qty decimal.Decimal) string {
	return qty.Truncate(18).String()
}

// PctChange returns the signed percentage change of cur relative to base,
// e.g. base=100, cur=84 → -16.
func PctChange(base, cur decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return cur.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}

// AbsPctChange is the unsigned magnitude of PctChange.
func AbsPctChange(base, cur decimal.Decimal) decimal.Decimal {
	return PctChange(base, cur).Abs()
}
