package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/web3/web3test"
)

// laggingBackend 的 pending nonce 不随已提交交易前进。
type laggingBackend struct {
	*web3test.Backend
	nonce uint64
}

func (b *laggingBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func TestSequencerAdvancesPastLaggingNode(t *testing.T) {
	backend := &laggingBackend{Backend: web3test.NewBackend(), nonce: 10}
	seq := NewSequencer(backend, stranger)

	var used []uint64
	for i := 0; i < 3; i++ {
		if err := seq.Do(context.Background(), func(n uint64) error {
			used = append(used, n)
			return nil
		}); err != nil {
			t.Fatalf("do: %v", err)
		}
	}
	if used[0] != 10 || used[1] != 11 || used[2] != 12 {
		t.Fatalf("unexpected nonces %v", used)
	}
}

func TestSequencerResyncsAfterFailure(t *testing.T) {
	backend := &laggingBackend{Backend: web3test.NewBackend(), nonce: 4}
	seq := NewSequencer(backend, stranger)

	_ = seq.Do(context.Background(), func(uint64) error { return nil })
	failed := errors.New("broadcast failed")
	if err := seq.Do(context.Background(), func(n uint64) error {
		if n != 5 {
			t.Fatalf("expected local nonce 5, got %d", n)
		}
		return failed
	}); !errors.Is(err, failed) {
		t.Fatalf("expected callback error, got %v", err)
	}

	var next uint64
	_ = seq.Do(context.Background(), func(n uint64) error {
		next = n
		return nil
	})
	if next != 4 {
		t.Fatalf("sequencer should resync from chain, got %d", next)
	}
}

func TestSequencerNonceReadFailure(t *testing.T) {
	backend := web3test.NewBackend()
	backend.NonceErr = web3test.ErrUnreachable
	seq := NewSequencer(backend, stranger)

	called := false
	err := seq.Do(context.Background(), func(uint64) error {
		called = true
		return nil
	})
	if xerrors.CodeOf(err) != xerrors.CodeConnection || called {
		t.Fatalf("expected connection error without callback, got %v called=%v", err, called)
	}
}

func TestSequencerHonoursContextWhileWaiting(t *testing.T) {
	seq := NewSequencer(web3test.NewBackend(), stranger)

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = seq.Do(context.Background(), func(uint64) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := seq.Do(ctx, func(uint64) error { return nil })
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestSequencerBoundsHangingNonceRead(t *testing.T) {
	backend := web3test.NewBackend()
	backend.HangNonce = true
	seq := NewSequencer(backend, stranger, WithCallContext(func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, 50*time.Millisecond)
	}))

	done := make(chan error, 1)
	go func() {
		done <- seq.Do(context.Background(), func(uint64) error { return nil })
	}()
	select {
	case err := <-done:
		if xerrors.CodeOf(err) != xerrors.CodeConnection {
			t.Fatalf("expected connection error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nonce read was not bounded")
	}

	// 临界区已释放，后续调用不受影响。
	backend.HangNonce = false
	if err := seq.Do(context.Background(), func(uint64) error { return nil }); err != nil {
		t.Fatalf("sequencer should recover: %v", err)
	}
}
