package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
)

// erc20ABI 只包含网关用到的方法。
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function","stateMutability":"view"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function","stateMutability":"view"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function","stateMutability":"view"}
]`

// ParsedERC20ABI 返回解析后的 ERC20 ABI。
func ParsedERC20ABI() abi.ABI {
	return parsedERC20
}

var parsedERC20 = mustParseABI(erc20ABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// ERC20 是对单个代币合约的只读调用与交易数据编码。
type ERC20 struct {
	address common.Address
	backend web3.Backend
}

// NewERC20 绑定指定地址的代币合约。
func NewERC20(address common.Address, backend web3.Backend) *ERC20 {
	return &ERC20{address: address, backend: backend}
}

// Address 返回合约地址。
func (t *ERC20) Address() common.Address {
	return t.address
}

// Decimals 读取代币精度。
func (t *ERC20) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 返回类型异常: %T", out[0])
	}
	return decimals, nil
}

// Symbol 读取代币符号。
func (t *ERC20) Symbol(ctx context.Context) (string, error) {
	out, err := t.call(ctx, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol 返回类型异常: %T", out[0])
	}
	return symbol, nil
}

// BalanceOf 查询指定地址的代币余额（最小单位）。
func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回类型异常: %T", out[0])
	}
	return balance, nil
}

// TransferData 编码 transfer(to, amount) 调用数据。
// amount 必须落在 uint256 范围内，否则直接拒绝，不交给 ABI 编码取模。
func (t *ERC20) TransferData(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return nil, xerrors.New(xerrors.CodeValidation, "token amount is outside the uint256 range")
	}
	return parsedERC20.Pack("transfer", to, amount)
}

func (t *ERC20) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := parsedERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	raw, err := t.backend.CallContract(ctx, gethcore.CallMsg{To: &t.address, Data: data}, nil)
	if err != nil {
		return nil, ClassifyRPCError(err, "调用代币合约 "+method)
	}
	out, err := parsedERC20.Unpack(method, raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeContractLogic, err, fmt.Sprintf("代币合约 %s 返回值无法解码", method))
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeContractLogic, fmt.Sprintf("代币合约 %s 没有返回值", method))
	}
	return out, nil
}
