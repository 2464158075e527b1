package confirm

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// MemoryStore 以内存方式保存待确认操作，只在单进程内有效。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Confirmation
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Confirmation)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, c *Confirmation) error {
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "确认 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[c.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "确认 ID 已存在")
	}
	m.records[c.ID] = c.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, runID string) ([]*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Confirmation, 0, len(m.records))
	for _, rec := range m.records {
		if runID != "" && rec.RunID != runID {
			continue
		}
		out = append(out, rec.Clone())
	}
	SortByCreated(out)
	return out, nil
}

// Decide 实现 Store 接口。
func (m *MemoryStore) Decide(_ context.Context, id string, approved bool, by string, at time.Time) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.State != StatePending {
		return rec.Clone(), ErrDecided
	}
	if rec.Expired(at) {
		return rec.Clone(), ErrExpired
	}
	rec.State = StateDenied
	if approved {
		rec.State = StateApproved
	}
	rec.Approved = approved
	rec.DecidedBy = by
	rec.DecidedAt = at
	return rec.Clone(), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, id string, now time.Time) (*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch rec.State {
	case StatePending:
		if rec.Expired(now) {
			return rec.Clone(), ErrExpired
		}
		return rec.Clone(), ErrUndecided
	case StateExecuting:
		return rec.Clone(), ErrInProgress
	}
	if rec.Expired(now) {
		return rec.Clone(), ErrExpired
	}
	rec.State = StateExecuting
	return rec.Clone(), nil
}

// Delete 实现 Store 接口，删除不存在的记录不报错。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// PurgeExpired 实现 Store 接口。
func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) ([]*Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged []*Confirmation
	for id, rec := range m.records {
		if rec.Expired(now) {
			purged = append(purged, rec.Clone())
			delete(m.records, id)
		}
	}
	SortByCreated(purged)
	return purged, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// SortByCreated 按创建时间升序排序，时间相同时按 ID。
func SortByCreated(list []*Confirmation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
