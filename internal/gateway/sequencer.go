package gateway

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/internal/web3/ethereum"
)

// DefaultNonceTimeout 是未指定 RPC 超时时读取 nonce 的时限。
const DefaultNonceTimeout = 15 * time.Second

// CallContext 为单次 RPC 调用派生带时限的上下文。
type CallContext func(ctx context.Context) (context.Context, context.CancelFunc)

// Sequencer 串行化同一发送者的 nonce 读取与使用。
// 一次 Do 调用期间独占临界区，成功后本地 nonce 前进，失败后丢弃缓存，
// 下一次调用重新以链上 pending nonce 为准。nonce 读取总是带时限，
// 节点无响应时不会一直占住临界区。
type Sequencer struct {
	backend web3.Backend
	sender  common.Address
	sem     chan struct{}
	callCtx CallContext

	next   uint64
	synced bool
}

// SequencerOption 配置 Sequencer。
type SequencerOption func(*Sequencer)

// WithCallContext 指定 nonce 读取使用的超时策略，通常传入 Connection.WithTimeout。
func WithCallContext(fn CallContext) SequencerOption {
	return func(s *Sequencer) {
		if fn != nil {
			s.callCtx = fn
		}
	}
}

// NewSequencer creates a sequencer for the given sender.
func NewSequencer(backend web3.Backend, sender common.Address, opts ...SequencerOption) *Sequencer {
	s := &Sequencer{
		backend: backend,
		sender:  sender,
		sem:     make(chan struct{}, 1),
		callCtx: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, DefaultNonceTimeout)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Do 在临界区内分配 nonce 并执行 fn。等待临界区期间 ctx 取消时返回 TIMEOUT。
func (s *Sequencer) Do(ctx context.Context, fn func(nonce uint64) error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易序列化超时")
	}
	defer func() { <-s.sem }()

	nonceCtx, cancel := s.callCtx(ctx)
	chainNonce, err := s.backend.PendingNonceAt(nonceCtx, s.sender)
	cancel()
	if err != nil {
		s.synced = false
		return ethereum.ClassifyRPCError(err, "读取 nonce")
	}
	nonce := chainNonce
	if s.synced && s.next > nonce {
		// 节点 pending 池尚未反映刚提交的交易。
		nonce = s.next
	}

	if err := fn(nonce); err != nil {
		s.synced = false
		return err
	}
	s.next = nonce + 1
	s.synced = true
	return nil
}
