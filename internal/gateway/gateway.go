package gateway

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/guard"
	"OpenMCP-Gateway/internal/observability/metrics"
	"OpenMCP-Gateway/internal/units"
	"OpenMCP-Gateway/internal/web3/ethereum"
	"OpenMCP-Gateway/pkg/logger"
)

// Gateway 是链上读写操作的唯一入口。
// 所有依赖通过构造函数注入，不持有全局状态。
type Gateway struct {
	conn    *ethereum.Connection
	guard   *guard.Guard
	seq     *Sequencer
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Gateway)

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// New 基于已初始化的连接和授权守卫构造网关。
func New(conn *ethereum.Connection, g *guard.Guard, opts ...Option) (*Gateway, error) {
	if conn == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链连接未初始化")
	}
	if g == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "授权守卫未初始化")
	}
	gw := &Gateway{
		conn:  conn,
		guard: g,
		seq:   NewSequencer(conn.Backend(), conn.Context().Sender, WithCallContext(conn.WithTimeout)),
		log:   logger.Named("gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gw)
		}
	}
	return gw, nil
}

// Context 返回连接上下文。
func (g *Gateway) Context() ethereum.Context {
	return g.conn.Context()
}

// Guard 返回授权守卫。
func (g *Gateway) Guard() *guard.Guard {
	return g.guard
}

// Ping 检查链连接状态。
func (g *Gateway) Ping(ctx context.Context) error {
	return g.conn.Ping(ctx)
}

// Balance 是余额查询结果。
type Balance struct {
	Address  common.Address
	Raw      *big.Int
	Amount   decimal.Decimal
	Decimals uint8
	Symbol   string
	// IsSender 表示查询的是网关自身的发送地址。
	IsSender bool
}

// GasPrice 是当前网络 gas price。
type GasPrice struct {
	Wei  *big.Int
	Gwei decimal.Decimal
}

// NativeBalance 查询原生资产余额。地址格式不合法时不发起 RPC。
func (g *Gateway) NativeBalance(ctx context.Context, address string) (Balance, error) {
	addr, err := guard.NormalizeAddress(address)
	if err != nil {
		return Balance{}, err
	}
	callCtx, cancel := g.conn.WithTimeout(ctx)
	defer cancel()
	raw, err := g.conn.Backend().BalanceAt(callCtx, addr, nil)
	if err != nil {
		return Balance{}, ethereum.ClassifyRPCError(err, "查询余额")
	}
	return Balance{
		Address:  addr,
		Raw:      raw,
		Amount:   units.FromSmallest(raw, units.EtherDecimals),
		Decimals: units.EtherDecimals,
		Symbol:   "ETH",
		IsSender: addr == g.conn.Context().Sender,
	}, nil
}

// TokenBalance 查询已配置代币的余额，未配置代币时返回 CONFIGURATION_ERROR。
func (g *Gateway) TokenBalance(ctx context.Context, address string) (Balance, error) {
	addr, err := guard.NormalizeAddress(address)
	if err != nil {
		return Balance{}, err
	}
	info := g.conn.Context()
	token := g.conn.Token()
	if !info.HasToken || token == nil {
		return Balance{}, xerrors.New(xerrors.CodeConfiguration, "ERC20 token contract is not configured")
	}

	callCtx, cancel := g.conn.WithTimeout(ctx)
	defer cancel()
	raw, err := token.BalanceOf(callCtx, addr)
	if err != nil {
		return Balance{}, err
	}
	isSender := addr == info.Sender
	if !isSender {
		if own, ownErr := token.BalanceOf(callCtx, info.Sender); ownErr == nil {
			g.log.Debug("发送地址代币余额",
				slog.String("sender", info.Sender.Hex()),
				slog.String("balance", units.Format(own, info.TokenDecimals)))
		}
	}
	return Balance{
		Address:  addr,
		Raw:      raw,
		Amount:   units.FromSmallest(raw, info.TokenDecimals),
		Decimals: info.TokenDecimals,
		Symbol:   info.TokenSymbol,
		IsSender: isSender,
	}, nil
}

// GasPrice 查询当前网络 gas price。
func (g *Gateway) GasPrice(ctx context.Context) (GasPrice, error) {
	callCtx, cancel := g.conn.WithTimeout(ctx)
	defer cancel()
	wei, err := g.conn.Backend().SuggestGasPrice(callCtx)
	if err != nil {
		return GasPrice{}, ethereum.ClassifyRPCError(err, "查询 gas price")
	}
	return GasPrice{Wei: wei, Gwei: units.FromSmallest(wei, units.GweiDecimals)}, nil
}
