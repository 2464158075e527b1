// Package storetest 提供 confirm.Store 实现共用的一致性测试。
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
)

// Factory 为每个子测试创建一个空的 Store。
type Factory func(t *testing.T) confirm.Store

// base 以当前时间为起点，保证依赖服务端过期机制的实现不会提前淘汰记录。
var base time.Time

func record(id, run string, offset time.Duration) *confirm.Confirmation {
	created := base.Add(offset)
	return &confirm.Confirmation{
		ID:        id,
		RunID:     run,
		Operation: "send_eth",
		Args:      map[string]string{"to_address": "0xabc", "amount": "1"},
		Summary:   "send 1 ETH",
		State:     confirm.StatePending,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Minute),
	}
}

// Run 执行全部一致性测试。
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()
	base = time.Now().UTC().Truncate(time.Millisecond)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, record("c-1", "run-1", 0)); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.Get(ctx, "c-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RunID != "run-1" || got.State != confirm.StatePending || got.Args["amount"] != "1" {
			t.Fatalf("unexpected record %+v", got)
		}
		if !got.CreatedAt.Equal(base) || !got.ExpiresAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("timestamps not preserved: %v %v", got.CreatedAt, got.ExpiresAt)
		}
		if err := s.Create(ctx, record("c-1", "run-1", 0)); xerrors.CodeOf(err) != xerrors.CodeConflict {
			t.Fatalf("duplicate create should conflict, got %v", err)
		}
		if _, err := s.Get(ctx, "missing"); !confirm.IsCode(err, confirm.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("ListOrderAndFilter", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-2", "run-a", 2*time.Second))
		_ = s.Create(ctx, record("c-1", "run-a", time.Second))
		_ = s.Create(ctx, record("c-3", "run-b", 0))

		all, err := s.List(ctx, "")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 || all[0].ID != "c-3" || all[2].ID != "c-2" {
			t.Fatalf("unexpected order %v", ids(all))
		}
		runA, _ := s.List(ctx, "run-a")
		if len(runA) != 2 || runA[0].ID != "c-1" {
			t.Fatalf("unexpected run filter %v", ids(runA))
		}
	})

	t.Run("DecideOnce", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-1", "run-1", 0))
		at := base.Add(10 * time.Second)
		got, err := s.Decide(ctx, "c-1", true, "alice", at)
		if err != nil {
			t.Fatalf("decide: %v", err)
		}
		if got.State != confirm.StateApproved || !got.Approved || got.DecidedBy != "alice" || !got.DecidedAt.Equal(at) {
			t.Fatalf("unexpected decided record %+v", got)
		}
		if _, err := s.Decide(ctx, "c-1", false, "bob", at); !confirm.IsCode(err, confirm.CodeDecided) {
			t.Fatalf("second decision should fail, got %v", err)
		}
		if _, err := s.Decide(ctx, "missing", true, "bob", at); !confirm.IsCode(err, confirm.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("DecideExpired", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-1", "run-1", 0))
		if _, err := s.Decide(ctx, "c-1", true, "alice", base.Add(time.Minute)); !confirm.IsCode(err, confirm.CodeExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("ClaimTransitions", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-1", "run-1", 0))
		now := base.Add(5 * time.Second)
		if _, err := s.Claim(ctx, "c-1", now); !confirm.IsCode(err, confirm.CodeUndecided) {
			t.Fatalf("undecided claim should fail, got %v", err)
		}
		_, _ = s.Decide(ctx, "c-1", false, "alice", now)
		got, err := s.Claim(ctx, "c-1", now)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got.State != confirm.StateExecuting || got.Approved {
			t.Fatalf("unexpected claimed record %+v", got)
		}
		if _, err := s.Claim(ctx, "c-1", now); !confirm.IsCode(err, confirm.CodeInProgress) {
			t.Fatalf("second claim should fail, got %v", err)
		}
		// 执行中的记录不会被清理。
		purged, err := s.PurgeExpired(ctx, base.Add(time.Hour))
		if err != nil || len(purged) != 0 {
			t.Fatalf("executing record must not be purged: %v %v", ids(purged), err)
		}
		if err := s.Delete(ctx, "c-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, "c-1"); err != nil {
			t.Fatalf("delete should be idempotent: %v", err)
		}
		if _, err := s.Claim(ctx, "c-1", now); !confirm.IsCode(err, confirm.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("ClaimExpired", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-1", "run-1", 0))
		_, _ = s.Decide(ctx, "c-1", true, "alice", base)
		if _, err := s.Claim(ctx, "c-1", base.Add(2*time.Minute)); !confirm.IsCode(err, confirm.CodeExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("c-1", "run-1", 0))
		_, _ = s.Decide(ctx, "c-1", true, "alice", base)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Claim(ctx, "c-1", base); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("exactly one claim should succeed, got %d", wins.Load())
		}
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		s := newStore(t)
		_ = s.Create(ctx, record("old", "run-1", 0))
		_ = s.Create(ctx, record("new", "run-1", 50*time.Second))
		purged, err := s.PurgeExpired(ctx, base.Add(70*time.Second))
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if len(purged) != 1 || purged[0].ID != "old" {
			t.Fatalf("unexpected purge %v", ids(purged))
		}
		left, _ := s.List(ctx, "")
		if len(left) != 1 || left[0].ID != "new" {
			t.Fatalf("unexpected remaining %v", ids(left))
		}
	})
}

func ids(list []*confirm.Confirmation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}
