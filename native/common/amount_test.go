package common

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestMaxAmountIs128Bit(t *testing.T) {
	if got := MaxAmount.Dec(); got != "340282366920938463463374607431768211455" {
		t.Fatalf("unexpected ceiling %s", got)
	}
}

func TestSaturatingArithmetic(t *testing.T) {
	one := uint256.NewInt(1)
	if got := SaturatingAdd(MaxAmount, one); !got.Eq(MaxAmount) {
		t.Fatalf("add should clamp, got %s", got.Dec())
	}
	if got := SaturatingMul(MaxAmount, uint256.NewInt(2)); !got.Eq(MaxAmount) {
		t.Fatalf("mul should clamp, got %s", got.Dec())
	}
	if got := SaturatingSub(one, uint256.NewInt(5)); !got.IsZero() {
		t.Fatalf("sub should floor at zero, got %s", got.Dec())
	}
	if got := SaturatingAdd(uint256.NewInt(2), uint256.NewInt(3)); got.Uint64() != 5 {
		t.Fatalf("expected 5, got %s", got.Dec())
	}
	if got := SaturatingAdd(nil, nil); !got.IsZero() {
		t.Fatalf("nil operands should be zero, got %s", got.Dec())
	}
}

func TestCheckedAddAcceptsCeiling(t *testing.T) {
	rest := new(uint256.Int).Sub(MaxAmount, uint256.NewInt(1))
	sum, ok := CheckedAdd(rest, uint256.NewInt(1))
	if !ok || !sum.Eq(MaxAmount) {
		t.Fatalf("sum reaching the ceiling should be accepted, got %v %v", sum, ok)
	}
	if _, ok := CheckedAdd(MaxAmount, uint256.NewInt(1)); ok {
		t.Fatalf("sum above the ceiling should be rejected")
	}
}

func TestSaturatingDoesNotAliasInputs(t *testing.T) {
	a := uint256.NewInt(7)
	sum := SaturatingAdd(a, uint256.NewInt(1))
	sum.SetUint64(100)
	if a.Uint64() != 7 {
		t.Fatalf("input mutated: %s", a.Dec())
	}
}

func TestQuoRem(t *testing.T) {
	quo, rem := QuoRem(uint256.NewInt(200), uint256.NewInt(30))
	if quo.Uint64() != 6 || rem.Uint64() != 20 {
		t.Fatalf("unexpected quo/rem %s/%s", quo.Dec(), rem.Dec())
	}
	quo, rem = QuoRem(uint256.NewInt(5), new(uint256.Int))
	if !quo.IsZero() || !rem.IsZero() {
		t.Fatalf("division by zero should yield zero")
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: "1000", want: "1000"},
		{name: "trimmed", raw: "  42 ", want: "42"},
		{name: "ceiling", raw: "340282366920938463463374607431768211455", want: "340282366920938463463374607431768211455"},
		{name: "above ceiling", raw: "340282366920938463463374607431768211456", wantErr: true},
		{name: "empty", raw: " ", wantErr: true},
		{name: "negative", raw: "-1", wantErr: true},
		{name: "fraction", raw: "1.5", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAmount(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.Dec() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Dec())
			}
		})
	}
}

func TestFormatAmountNil(t *testing.T) {
	if FormatAmount(nil) != "0" {
		t.Fatalf("nil should format as zero")
	}
}
