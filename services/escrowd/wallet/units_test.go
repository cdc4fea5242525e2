package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestToAtomic(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1", AtomicPerCoin},
		{"1.99", 1_990_000_000_000},
		{"0.000000000001", 1},
		{"0.0000000000019", 1},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := ToAtomic(decimal.RequireFromString(tc.in))
		if err != nil {
			t.Fatalf("ToAtomic(%s): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ToAtomic(%s) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestToAtomicRejectsNegative(t *testing.T) {
	if _, err := ToAtomic(decimal.RequireFromString("-0.5")); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestFromAtomicRoundTrip(t *testing.T) {
	amount := FromAtomic(2_000_000_000_000)
	if !amount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected amount %s", amount)
	}
	back, err := ToAtomic(amount)
	if err != nil || back != 2_000_000_000_000 {
		t.Fatalf("round trip mismatch: %d %v", back, err)
	}
}
