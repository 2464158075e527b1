// Package journal records the outcome of every resolved confirmation.
package journal

import (
	"context"
	"time"
)

// 决策取值。
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionExpired  = "expired"
)

// Entry 是一次确认操作结束后的记录。
type Entry struct {
	ID             int64             `json:"id,omitempty"`
	ConfirmationID string            `json:"confirmation_id"`
	RunID          string            `json:"run_id"`
	Operation      string            `json:"operation"`
	Args           map[string]string `json:"args,omitempty"`
	Decision       string            `json:"decision"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	Result         string            `json:"result"`
	TxHash         string            `json:"tx_hash,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     time.Time         `json:"resolved_at"`
}

// Query 描述查询条件，Limit 为 0 时使用默认值。
type Query struct {
	RunID          string
	ConfirmationID string
	Limit          int
}

// DefaultLimit 是未指定 Limit 时返回的条数。
const DefaultLimit = 50

// Store 抽象操作日志的持久化接口。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, q Query) ([]Entry, error)
}

func normaliseLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func cloneArgs(args map[string]string) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
