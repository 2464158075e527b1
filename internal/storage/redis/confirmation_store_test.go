package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Gateway/internal/confirm"
	"OpenMCP-Gateway/internal/confirm/storetest"
	xerrors "OpenMCP-Gateway/internal/errors"
)

func TestHashRoundTripKeepsTimestamps(t *testing.T) {
	created := time.Date(2026, 4, 2, 8, 30, 0, 123000000, time.UTC)
	in := &confirm.Confirmation{
		ID:        "c-1",
		RunID:     "run-1",
		Operation: "send_erc20_token",
		Args:      map[string]string{"to_address": "0xabc", "amount": "12.5"},
		Summary:   "send 12.5 USDC",
		State:     confirm.StateApproved,
		Approved:  true,
		DecidedBy: "alice",
		CreatedAt: created,
		DecidedAt: created.Add(time.Second),
		ExpiresAt: created.Add(15 * time.Minute),
	}
	fields, err := encodeHash(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	values := make(map[string]string, len(fields)/2)
	reply := make([]any, 0, len(fields))
	for i := 0; i+1 < len(fields); i += 2 {
		values[fields[i]] = fields[i+1]
		reply = append(reply, fields[i], fields[i+1])
	}
	out, err := decodeHash(values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Args["amount"] != "12.5" || !out.Approved || out.State != confirm.StateApproved {
		t.Fatalf("unexpected record %+v", out)
	}
	if !out.CreatedAt.Equal(in.CreatedAt) || !out.DecidedAt.Equal(in.DecidedAt) || !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Fatalf("timestamps changed: %+v", out)
	}
	fromReply, err := decodeReply(reply)
	if err != nil || fromReply.DecidedBy != "alice" {
		t.Fatalf("decode reply: %+v %v", fromReply, err)
	}
}

func TestDecodeRejectsCorruptTimestamp(t *testing.T) {
	_, err := decodeHash(map[string]string{"id": "c-1", "created_at": "yesterday"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestNewConfirmationStoreRequiresAddress(t *testing.T) {
	if _, err := NewConfirmationStore(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

// TestConfirmationStoreConformance 需要真实 Redis，通过 REDIS_TEST_ADDR 启用。
func TestConfirmationStoreConformance(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR 未设置，跳过 Redis 集成测试")
	}
	storetest.Run(t, func(t *testing.T) confirm.Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			t.Fatalf("ping redis: %v", err)
		}
		prefix := "gateway:test:" + uuid.NewString()
		store := newConfirmationStore(client, Config{Prefix: prefix})
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				_ = client.Del(ctx, keys...).Err()
			}
			_ = store.Close()
		})
		return store
	})
}
