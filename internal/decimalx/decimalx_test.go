package decimalx

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundDownStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    string
		step string
		want string
	}{
		{"exact multiple unchanged", "1.50", "0.10", "1.5"},
		{"rounds down to nearest step", "1.57", "0.10", "1.5"},
		{"qty step example from the exchange", "0.1234", "0.001", "0.123"},
		{"zero step is a no-op", "1.2345", "0", "1.2345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RoundDownStep(d(tt.v), d(tt.step))
			if !got.Equal(d(tt.want)) {
				t.Errorf("RoundDownStep(%s, %s) = %s, want %s", tt.v, tt.step, got, tt.want)
			}
		})
	}
}

func TestRoundDownStepFloorNegative(t *testing.T) {
	t.Parallel()

	got := RoundDownStepFloor(d("-1.23"), d("0.10"))
	want := d("-1.30")
	if !got.Equal(want) {
		t.Errorf("RoundDownStepFloor(-1.23, 0.10) = %s, want %s", got, want)
	}
}

func TestCanonicalizeQty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trailing zero stripped", "1.50", "1.5"},
		{"all-zero fraction stripped", "2.00", "2"},
		{"already canonical", "0.001", "0.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := CanonicalizeQty(d(tt.in))
			if got != tt.want {
				t.Errorf("CanonicalizeQty(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPctChange(t *testing.T) {
	t.Parallel()

	got := PctChange(d("100"), d("84"))
	want := d("-16")
	if !got.Equal(want) {
		t.Errorf("PctChange(100, 84) = %s, want %s", got, want)
	}

	if !PctChange(decimal.Zero, d("10")).Equal(decimal.Zero) {
		t.Error("PctChange with zero base should return zero, not divide by zero")
	}
}

func TestAbsPctChangeIsUnsigned(t *testing.T) {
	t.Parallel()

	got := AbsPctChange(d("100"), d("84"))
	want := d("16")
	if !got.Equal(want) {
		t.Errorf("AbsPctChange(100, 84) = %s, want %s", got, want)
	}
}
