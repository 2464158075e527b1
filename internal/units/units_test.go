package units

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Gateway/internal/errors"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{in: 1.0, want: "1"},
		{in: 0.1, want: "0.1"},
		{in: "5.000000000000000001", want: "5.000000000000000001"},
		{in: json.Number("2.5"), want: "2.5"},
		{in: 3, want: "3"},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if err != nil {
			t.Fatalf("parse %v: %v", tc.in, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("parse %v: got %s want %s", tc.in, got, tc.want)
		}
	}

	for _, bad := range []any{nil, "", "abc", true} {
		if _, err := ParseAmount(bad); xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("expected validation error for %v, got %v", bad, err)
		}
	}
}

func mustSmallest(t *testing.T, amount decimal.Decimal, decimals uint8) *big.Int {
	t.Helper()
	raw, err := ToSmallest(amount, decimals)
	if err != nil {
		t.Fatalf("convert %s @%d: %v", amount, decimals, err)
	}
	return raw
}

func TestToSmallest(t *testing.T) {
	five, _ := ParseAmount(5.0)
	want := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if got := mustSmallest(t, five, 18); got.Cmp(want) != 0 {
		t.Fatalf("5 tokens @18: got %s want %s", got, want)
	}

	tenth, _ := ParseAmount(0.1)
	if got := mustSmallest(t, tenth, 18); got.String() != "100000000000000000" {
		t.Fatalf("0.1 ether: got %s", got)
	}

	// 超出精度的部分向零截断。
	fine := decimal.RequireFromString("1.2345678")
	if got := mustSmallest(t, fine, 6); got.String() != "1234567" {
		t.Fatalf("truncation: got %s", got)
	}

	if got := mustSmallest(t, decimal.RequireFromString("1e-1000000000"), 18); got.Sign() != 0 {
		t.Fatalf("tiny exponent should truncate to zero, got %s", got)
	}
}

func TestToSmallestRange(t *testing.T) {
	limit := decimal.NewFromBigInt(MaxUint256, 0)
	if got := mustSmallest(t, limit, 0); got.Cmp(MaxUint256) != 0 {
		t.Fatalf("max uint256 should convert exactly, got %s", got)
	}

	cases := []struct {
		name     string
		amount   string
		decimals uint8
	}{
		{name: "one above max", amount: new(big.Int).Add(MaxUint256, big.NewInt(1)).String(), decimals: 0},
		{name: "max with 18 decimals", amount: "115792089237316195423570985008687907853269984665640564039457.584007913129639941", decimals: 18},
		{name: "native 1e60", amount: "1e60", decimals: 18},
		{name: "huge exponent", amount: "1e1000000000", decimals: 18},
		{name: "negative beyond range", amount: "-1e80", decimals: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ToSmallest(decimal.RequireFromString(tc.amount), tc.decimals)
			if xerrors.CodeOf(err) != xerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestToSmallestPositive(t *testing.T) {
	for _, raw := range []string{"0", "-1", "0.0000001"} {
		_, err := ToSmallestPositive(decimal.RequireFromString(raw), 6)
		if xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("%s: expected validation error, got %v", raw, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	values := []string{"0", "1", "999999999999999999", "123456789012345678901234567890", "1000000000000000000"}
	for _, decimals := range []uint8{0, 6, 8, 18, 24} {
		for _, v := range values {
			raw, _ := new(big.Int).SetString(v, 10)
			back := mustSmallest(t, FromSmallest(raw, decimals), decimals)
			if back.Cmp(raw) != 0 {
				t.Fatalf("round trip %s @%d: got %s", v, decimals, back)
			}
		}
	}
}

func TestFormat(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := FormatEther(wei); got != "1.5" {
		t.Fatalf("unexpected ether format %s", got)
	}
	if got := FormatGwei(big.NewInt(2_500_000_000)); got != "2.5" {
		t.Fatalf("unexpected gwei format %s", got)
	}
	if got := FormatEther(big.NewInt(0)); got != "0" {
		t.Fatalf("unexpected zero format %s", got)
	}
}
