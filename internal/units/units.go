// Package units converts between human-readable amounts and the integer
// smallest units used on chain. All conversions are exact decimal arithmetic.
package units

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Gateway/internal/errors"
)

const (
	// EtherDecimals 是原生资产的固定精度。
	EtherDecimals uint8 = 18
	// GweiDecimals 是 gas price 展示单位的精度。
	GweiDecimals uint8 = 9
)

// ParseAmount 解析调用方传入的金额，支持 JSON 数字和十进制字符串。
// 浮点数按最短十进制表示解释，避免二进制误差放大。
func ParseAmount(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, xerrors.New(xerrors.CodeValidation, "amount is required")
	case decimal.Decimal:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, xerrors.New(xerrors.CodeValidation, "amount must be a finite number")
		}
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case json.Number:
		return parseString(val.String())
	case string:
		return parseString(val)
	default:
		return decimal.Zero, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("amount has unsupported type %T", v))
	}
}

func parseString(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, xerrors.New(xerrors.CodeValidation, "amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeValidation, err, fmt.Sprintf("amount %q is not a decimal number", raw))
	}
	return d, nil
}

// RequirePositive 校验金额大于零。
func RequirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("amount must be greater than 0, got %s", amount.String()))
	}
	return nil
}

// MaxUint256 是链上 uint256 能表示的最大值。
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// maxUint256Digits 是 MaxUint256 的十进制位数。
const maxUint256Digits = 78

// ToSmallest 将人类单位金额转换为最小单位，超出精度的部分向零截断。
// 绝对值超出 uint256 范围时返回 VALIDATION_ERROR，不做取模。
func ToSmallest(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	// 先按位数估算，避免极端指数在 Shift 时分配巨大的整数。
	digits := int64(amount.NumDigits()) + int64(amount.Exponent()) + int64(decimals)
	if amount.IsZero() || digits <= 0 {
		return new(big.Int), nil
	}
	if digits > maxUint256Digits {
		return nil, outOfRange(amount, decimals)
	}
	raw := amount.Shift(int32(decimals)).Truncate(0).BigInt()
	if raw.CmpAbs(MaxUint256) > 0 {
		return nil, outOfRange(amount, decimals)
	}
	return raw, nil
}

func outOfRange(amount decimal.Decimal, decimals uint8) error {
	return xerrors.New(xerrors.CodeValidation,
		fmt.Sprintf("amount %s exceeds the uint256 range for %d decimals", amount.String(), decimals))
}

// ToSmallestPositive 转换并保证结果大于零，截断为零时返回 VALIDATION_ERROR。
func ToSmallestPositive(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if err := RequirePositive(amount); err != nil {
		return nil, err
	}
	raw, err := ToSmallest(amount, decimals)
	if err != nil {
		return nil, err
	}
	if raw.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("amount %s is below the smallest unit for %d decimals", amount.String(), decimals))
	}
	return raw, nil
}

// FromSmallest 将最小单位整数精确转换为人类单位。
func FromSmallest(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// FormatEther 以 ETH 为单位格式化 wei 数额。
func FormatEther(wei *big.Int) string {
	return FromSmallest(wei, EtherDecimals).String()
}

// FormatGwei 以 Gwei 为单位格式化 wei 数额。
func FormatGwei(wei *big.Int) string {
	return FromSmallest(wei, GweiDecimals).String()
}

// Format 按给定精度格式化最小单位数额。
func Format(raw *big.Int, decimals uint8) string {
	return FromSmallest(raw, decimals).String()
}
