package confirm

import (
	"context"
	"time"
)

// Store 抽象待确认操作的注册表。状态迁移必须是原子的:
// Decide 只能成功一次，Claim 只能成功一次。
type Store interface {
	// Create 保存新的待确认记录，ID 重复时返回 CONFLICT。
	Create(ctx context.Context, c *Confirmation) error
	Get(ctx context.Context, id string) (*Confirmation, error)
	// List 按创建时间升序返回记录，runID 为空时返回全部。
	List(ctx context.Context, runID string) ([]*Confirmation, error)
	// Decide 将 pending 记录迁移到 approved 或 denied。
	Decide(ctx context.Context, id string, approved bool, by string, at time.Time) (*Confirmation, error)
	// Claim 将已决策的记录迁移到 executing，返回迁移后的记录。
	Claim(ctx context.Context, id string, now time.Time) (*Confirmation, error)
	Delete(ctx context.Context, id string) error
	// PurgeExpired 删除并返回在 now 时刻已过期的记录。
	PurgeExpired(ctx context.Context, now time.Time) ([]*Confirmation, error)
	Close() error
}
