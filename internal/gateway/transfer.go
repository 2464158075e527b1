package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/guard"
	"OpenMCP-Gateway/internal/units"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/internal/web3/ethereum"
	"OpenMCP-Gateway/pkg/logger"
)

const (
	// NativeTransferGas 是普通转账的固定 gas 上限。
	NativeTransferGas uint64 = 21000
	// FallbackTokenGas 在代币转账估算因非合约原因失败时使用。
	FallbackTokenGas uint64 = 200000
)

// TransferRequest 是一次通过校验与授权的转账请求。
type TransferRequest struct {
	Kind   web3.AssetKind
	To     common.Address
	Amount decimal.Decimal
	// Raw 是换算后的最小单位数额。
	Raw *big.Int
}

// Args 返回用于确认记录的参数快照。
func (r TransferRequest) Args() map[string]string {
	return map[string]string{
		"asset":      r.Kind.String(),
		"to_address": r.To.Hex(),
		"amount":     r.Amount.String(),
		"raw_amount": r.Raw.String(),
	}
}

// Submission 是节点接受交易后的结果，不等待出块。
type Submission struct {
	Hash     common.Hash
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	Kind     web3.AssetKind
	To       common.Address
	Amount   decimal.Decimal
	Raw      *big.Int
}

// PrepareTransfer 依次校验金额、地址格式、代币配置、最小单位范围与白名单，不访问链。
func (g *Gateway) PrepareTransfer(kind web3.AssetKind, to string, amount any) (TransferRequest, error) {
	value, err := units.ParseAmount(amount)
	if err != nil {
		return TransferRequest{}, err
	}
	if err := units.RequirePositive(value); err != nil {
		return TransferRequest{}, err
	}
	if _, err := guard.NormalizeAddress(to); err != nil {
		return TransferRequest{}, err
	}

	decimals := units.EtherDecimals
	switch kind {
	case web3.AssetNative:
	case web3.AssetToken:
		info := g.conn.Context()
		if !info.HasToken {
			return TransferRequest{}, xerrors.New(xerrors.CodeConfiguration, "ERC20 token contract is not configured")
		}
		decimals = info.TokenDecimals
	default:
		return TransferRequest{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("unknown asset kind %q", kind))
	}

	raw, err := units.ToSmallestPositive(value, decimals)
	if err != nil {
		return TransferRequest{}, err
	}
	dest, err := g.guard.Authorize(kind, to)
	if err != nil {
		return TransferRequest{}, err
	}
	return TransferRequest{Kind: kind, To: dest, Amount: value, Raw: raw}, nil
}

// Transfer 构建、签名并广播交易，节点接受后立即返回交易哈希。
// 校验与授权在进入序列化区域之前重新执行，请求值不被信任。
func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (Submission, error) {
	checked, err := g.PrepareTransfer(req.Kind, req.To.Hex(), req.Amount)
	if err != nil {
		g.metrics.ObserveTransaction(req.Kind.String(), "rejected")
		return Submission{}, err
	}

	var sub Submission
	err = g.seq.Do(ctx, func(nonce uint64) error {
		built, err := g.submit(ctx, checked, nonce)
		if err != nil {
			return err
		}
		sub = built
		return nil
	})
	if err != nil {
		g.metrics.ObserveTransaction(checked.Kind.String(), "failed")
		g.log.Warn("交易提交失败",
			slog.String("asset", checked.Kind.String()),
			slog.String("to_address", checked.To.Hex()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		return Submission{}, err
	}

	g.metrics.ObserveTransaction(sub.Kind.String(), "submitted")
	logger.Audit().Info("交易已提交",
		slog.String("tx_hash", sub.Hash.Hex()),
		slog.String("asset", sub.Kind.String()),
		slog.String("to_address", sub.To.Hex()),
		slog.String("amount", sub.Amount.String()),
		slog.Uint64("nonce", sub.Nonce),
		slog.Uint64("gas_limit", sub.GasLimit),
		slog.String("gas_price", sub.GasPrice.String()),
	)
	return sub, nil
}

func (g *Gateway) submit(ctx context.Context, req TransferRequest, nonce uint64) (Submission, error) {
	backend := g.conn.Backend()
	info := g.conn.Context()

	priceCtx, cancel := g.conn.WithTimeout(ctx)
	gasPrice, err := backend.SuggestGasPrice(priceCtx)
	cancel()
	if err != nil {
		return Submission{}, ethereum.ClassifyRPCError(err, "查询 gas price")
	}

	var (
		to       common.Address
		value    = new(big.Int)
		data     []byte
		gasLimit = NativeTransferGas
	)
	switch req.Kind {
	case web3.AssetNative:
		to = req.To
		value = req.Raw
	case web3.AssetToken:
		token := g.conn.Token()
		to = token.Address()
		data, err = token.TransferData(req.To, req.Raw)
		if err != nil {
			return Submission{}, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "编码代币转账数据失败")
		}
		gasLimit, err = g.estimateTokenGas(ctx, info.Sender, to, data)
		if err != nil {
			return Submission{}, err
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := g.conn.SignTx(tx)
	if err != nil {
		g.log.Error("交易签名失败", slog.Uint64("nonce", nonce), slog.String("error", err.Error()))
		return Submission{}, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "transaction signing failed")
	}

	sendCtx, cancel := g.conn.WithTimeout(ctx)
	defer cancel()
	if err := backend.SendTransaction(sendCtx, signed); err != nil {
		g.log.Error("交易广播失败",
			slog.Uint64("nonce", nonce),
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.String("error", err.Error()))
		if ethereum.IsTransportError(err) {
			return Submission{}, xerrors.Wrap(xerrors.CodeConnection, err, "chain rpc unreachable while broadcasting")
		}
		return Submission{}, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "transaction broadcast failed")
	}

	return Submission{
		Hash:     signed.Hash(),
		Nonce:    nonce,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Kind:     req.Kind,
		To:       req.To,
		Amount:   req.Amount,
		Raw:      req.Raw,
	}, nil
}

// estimateTokenGas 模拟执行代币转账，估算值上浮 20%。
// 合约拒绝时直接失败，其余错误退回固定上限。
func (g *Gateway) estimateTokenGas(ctx context.Context, from, token common.Address, data []byte) (uint64, error) {
	callCtx, cancel := g.conn.WithTimeout(ctx)
	defer cancel()
	estimate, err := g.conn.Backend().EstimateGas(callCtx, gethcore.CallMsg{
		From: from,
		To:   &token,
		Data: data,
	})
	if err != nil {
		if ethereum.IsContractLogicError(err) && !ethereum.IsTransportError(err) {
			return 0, xerrors.Wrap(xerrors.CodeContractLogic, err, "token transfer would revert")
		}
		g.log.Warn("gas 估算失败，使用固定上限",
			slog.Uint64("gas_limit", FallbackTokenGas),
			slog.String("error", err.Error()))
		return FallbackTokenGas, nil
	}
	return estimate + estimate/5, nil
}
