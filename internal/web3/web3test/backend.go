// Package web3test provides an in-memory chain backend for tests.
package web3test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"OpenMCP-Gateway/internal/web3"
)

const tokenABI = `[
	{"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

var parsedTokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// RevertError mimics the error a node returns when a simulated call reverts.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorCode matches the JSON-RPC code nodes use for reverts.
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData carries the revert payload.
func (e *RevertError) ErrorData() interface{} { return "0x08c379a0" }

// ErrUnreachable simulates a transport failure.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// Backend is a thread-safe fake implementing web3.Backend.
type Backend struct {
	mu sync.Mutex

	ChainIDValue  *big.Int
	GasPrice      *big.Int
	Balances      map[common.Address]*big.Int
	BaseNonce     uint64
	TokenAddress  common.Address
	TokenDecimals uint8
	TokenSymbol   string
	TokenBalances map[common.Address]*big.Int
	EstimatedGas  uint64

	ChainIDErr  error
	BalanceErr  error
	NonceErr    error
	GasPriceErr error
	EstimateErr error
	CallErr     error
	DecimalsErr error
	SendErr     error

	// HangNonce makes PendingNonceAt block until its context is done.
	HangNonce bool

	sent  []*types.Transaction
	calls map[string]int
}

var _ web3.Backend = (*Backend)(nil)

// NewBackend returns a backend for chain 1337 with a 1 gwei gas price.
func NewBackend() *Backend {
	return &Backend{
		ChainIDValue:  big.NewInt(1337),
		GasPrice:      big.NewInt(1_000_000_000),
		Balances:      make(map[common.Address]*big.Int),
		TokenBalances: make(map[common.Address]*big.Int),
		TokenDecimals: 18,
		TokenSymbol:   "TKN",
		EstimatedGas:  50_000,
		calls:         make(map[string]int),
	}
}

func (b *Backend) record(method string) {
	if b.calls == nil {
		b.calls = make(map[string]int)
	}
	b.calls[method]++
}

// Calls returns how many times the given backend method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Sent returns the transactions accepted by SendTransaction.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// SetSendErr replaces the error returned by SendTransaction.
func (b *Backend) SetSendErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SendErr = err
}

// ChainID implements web3.Backend.
func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("ChainID")
	if b.ChainIDErr != nil {
		return nil, b.ChainIDErr
	}
	return new(big.Int).Set(b.ChainIDValue), nil
}

// BalanceAt implements web3.Backend.
func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("BalanceAt")
	if b.BalanceErr != nil {
		return nil, b.BalanceErr
	}
	if bal, ok := b.Balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// PendingNonceAt implements web3.Backend. Each accepted transaction advances the nonce.
func (b *Backend) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	b.mu.Lock()
	b.record("PendingNonceAt")
	if b.HangNonce {
		b.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	defer b.mu.Unlock()
	if b.NonceErr != nil {
		return 0, b.NonceErr
	}
	return b.BaseNonce + uint64(len(b.sent)), nil
}

// SuggestGasPrice implements web3.Backend.
func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SuggestGasPrice")
	if b.GasPriceErr != nil {
		return nil, b.GasPriceErr
	}
	return new(big.Int).Set(b.GasPrice), nil
}

// EstimateGas implements web3.Backend.
func (b *Backend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("EstimateGas")
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.EstimatedGas, nil
}

// CallContract implements web3.Backend for the token methods.
func (b *Backend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("CallContract")
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if call.To == nil || *call.To != b.TokenAddress || len(call.Data) < 4 {
		return nil, nil
	}
	selector := call.Data[:4]
	for name, method := range parsedTokenABI.Methods {
		if !bytes.Equal(method.ID, selector) {
			continue
		}
		switch name {
		case "decimals":
			if b.DecimalsErr != nil {
				return nil, b.DecimalsErr
			}
			return method.Outputs.Pack(b.TokenDecimals)
		case "symbol":
			return method.Outputs.Pack(b.TokenSymbol)
		case "balanceOf":
			args, err := method.Inputs.Unpack(call.Data[4:])
			if err != nil {
				return nil, err
			}
			owner := args[0].(common.Address)
			bal := b.TokenBalances[owner]
			if bal == nil {
				bal = big.NewInt(0)
			}
			return method.Outputs.Pack(bal)
		}
	}
	return nil, &RevertError{Reason: "unknown selector"}
}

// SendTransaction implements web3.Backend.
func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("SendTransaction")
	if b.SendErr != nil {
		return b.SendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

// DecodeTransfer extracts the recipient and amount from ERC20 transfer calldata.
func DecodeTransfer(data []byte) (common.Address, *big.Int, error) {
	method := parsedTokenABI.Methods["transfer"]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return common.Address{}, nil, errors.New("not a transfer call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	return args[0].(common.Address), args[1].(*big.Int), nil
}
