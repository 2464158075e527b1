package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/pkg/logger"
)

// DefaultTokenDecimals 在读取代币精度失败时使用。
const DefaultTokenDecimals uint8 = 18

// Config describes how to construct the gateway's chain connection.
type Config struct {
	RPCURL       string
	ChainID      uint64
	PrivateKey   string
	TokenAddress string
	RPCTimeout   time.Duration
}

// Context 是连接建立后对其他组件公开的只读视图，不包含签名材料。
type Context struct {
	ChainID       *big.Int
	Sender        common.Address
	HasToken      bool
	Token         common.Address
	TokenDecimals uint8
	TokenSymbol   string
}

// Connection 持有 RPC 连接、签名私钥和代币合约绑定。
// 私钥只在 SignTx 内部使用，不对外暴露。
type Connection struct {
	backend web3.Backend
	rpc     *gethrpc.Client
	key     *ecdsa.PrivateKey
	signer  coretypes.Signer
	token   *ERC20
	info    Context
	timeout time.Duration
	log     *slog.Logger

	closeOnce sync.Once
}

// Option 定义可选配置。
type Option func(*Connection)

// WithLogger 指定连接使用的日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) {
		if log != nil {
			c.log = log
		}
	}
}

// Connect dials the configured RPC endpoint and initializes the connection.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Connection, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 NETWORK_RPC_URL")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	dialCtx, cancel := withTimeout(ctx, cfg.RPCTimeout)
	defer cancel()
	rpcClient, err := gethrpc.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "连接以太坊节点失败")
	}

	conn, err := initialize(ctx, ethclient.NewClient(rpcClient), cfg, opts...)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	conn.rpc = rpcClient
	return conn, nil
}

// NewConnection 在已有的后端上完成初始化，主要用于测试与模拟链。
func NewConnection(ctx context.Context, backend web3.Backend, cfg Config, opts ...Option) (*Connection, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少链访问后端")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return initialize(ctx, backend, cfg, opts...)
}

func validate(cfg Config) error {
	if cfg.ChainID == 0 {
		return xerrors.New(xerrors.CodeConfiguration, "未配置 NETWORK_ID")
	}
	if strings.TrimSpace(cfg.PrivateKey) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "未配置 PRIVATE_KEY")
	}
	if token := strings.TrimSpace(cfg.TokenAddress); token != "" && !common.IsHexAddress(token) {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("ERC20_TOKEN_ADDRESS 不是合法地址: %q", token))
	}
	return nil
}

func initialize(ctx context.Context, backend web3.Backend, cfg Config, opts ...Option) (*Connection, error) {
	rawKey := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x")
	key, err := crypto.HexToECDSA(rawKey)
	if err != nil {
		// 不回显私钥内容。
		return nil, xerrors.New(xerrors.CodeConfiguration, "PRIVATE_KEY 格式不合法")
	}

	conn := &Connection{
		backend: backend,
		key:     key,
		timeout: cfg.RPCTimeout,
		log:     logger.Named("connection"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(conn)
		}
	}

	probeCtx, cancel := conn.WithTimeout(ctx)
	liveID, err := backend.ChainID(probeCtx)
	cancel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "无法确认节点存活")
	}
	expected := new(big.Int).SetUint64(cfg.ChainID)
	if liveID.Cmp(expected) != 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("链 ID 不匹配: 期望 %s, 节点返回 %s", expected, liveID),
			xerrors.WithMetadata("expected", expected.String()),
			xerrors.WithMetadata("actual", liveID.String()))
	}

	conn.signer = coretypes.LatestSignerForChainID(expected)
	conn.info = Context{
		ChainID: expected,
		Sender:  crypto.PubkeyToAddress(key.PublicKey),
	}

	if tokenAddr := strings.TrimSpace(cfg.TokenAddress); tokenAddr != "" {
		conn.bindToken(ctx, common.HexToAddress(tokenAddr))
	}

	conn.log.Info("链连接已就绪",
		slog.String("chain_id", expected.String()),
		slog.String("sender", conn.info.Sender.Hex()),
		slog.Bool("token_configured", conn.info.HasToken),
	)
	return conn, nil
}

func (c *Connection) bindToken(ctx context.Context, address common.Address) {
	c.token = NewERC20(address, c.backend)
	c.info.HasToken = true
	c.info.Token = address
	c.info.TokenDecimals = DefaultTokenDecimals

	callCtx, cancel := c.WithTimeout(ctx)
	defer cancel()
	decimals, err := c.token.Decimals(callCtx)
	if err != nil {
		c.log.Warn("读取代币精度失败，使用默认精度",
			slog.String("token_address", address.Hex()),
			slog.Int("decimals", int(DefaultTokenDecimals)),
			slog.String("error", err.Error()),
		)
	} else {
		c.info.TokenDecimals = decimals
	}
	if symbol, err := c.token.Symbol(callCtx); err == nil {
		c.info.TokenSymbol = symbol
	}
}

// Context 返回只读的连接上下文。
func (c *Connection) Context() Context {
	info := c.info
	if info.ChainID != nil {
		info.ChainID = new(big.Int).Set(info.ChainID)
	}
	return info
}

// Backend 返回链访问后端。
func (c *Connection) Backend() web3.Backend {
	return c.backend
}

// Token 返回已绑定的代币合约，未配置时返回 nil。
func (c *Connection) Token() *ERC20 {
	return c.token
}

// SignTx 使用连接持有的私钥签名交易。
func (c *Connection) SignTx(tx *coretypes.Transaction) (*coretypes.Transaction, error) {
	if c == nil || c.key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签名身份未初始化")
	}
	return coretypes.SignTx(tx, c.signer, c.key)
}

// WithTimeout 为单次 RPC 调用附加超时。
func (c *Connection) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, c.timeout)
}

// Ping 检查节点连通性与链 ID，用于健康检查。
func (c *Connection) Ping(ctx context.Context) error {
	callCtx, cancel := c.WithTimeout(ctx)
	defer cancel()
	id, err := c.backend.ChainID(callCtx)
	if err != nil {
		return ClassifyRPCError(err, "查询链 ID")
	}
	if id.Cmp(c.info.ChainID) != 0 {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("节点链 ID 已变化: %s", id))
	}
	return nil
}

// Close releases network connections held by the connection.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.rpc != nil {
			c.rpc.Close()
		}
	})
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
