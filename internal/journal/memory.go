package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// DefaultCapacity 是内存日志保留的最大条数。
const DefaultCapacity = 512

// MemoryStore 在内存中保留最近的记录，按时间倒序返回。
// 配置了数据文件时以 JSON 行追加写入，重启后恢复。
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	dataFile string
	seq      int64
	records  []Entry
}

// NewMemoryStore 创建纯内存日志。
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// NewFileStore 创建以本地 JSON 行文件持久化的日志。
func NewFileStore(dataDir string, capacity int) (*MemoryStore, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	store := NewMemoryStore(capacity)
	store.dataFile = filepath.Join(dataDir, "journal.log")
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 记录一条操作结果。
func (m *MemoryStore) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	entry.ID = m.seq
	entry.Args = cloneArgs(entry.Args)

	if m.dataFile != "" {
		if err := m.appendToDisk(entry); err != nil {
			m.seq--
			return err
		}
	}

	m.records = append([]Entry{entry}, m.records...)
	if len(m.records) > m.capacity {
		m.records = m.records[:m.capacity]
	}
	return nil
}

// List 返回最近的记录，可按 run 过滤。
func (m *MemoryStore) List(_ context.Context, q Query) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normaliseLimit(q.Limit)
	out := make([]Entry, 0, min(limit, len(m.records)))
	for _, rec := range m.records {
		if q.RunID != "" && rec.RunID != q.RunID {
			continue
		}
		if q.ConfirmationID != "" && rec.ConfirmationID != q.ConfirmationID {
			continue
		}
		rec.Args = cloneArgs(rec.Args)
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) appendToDisk(entry Entry) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开操作日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化操作记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入操作日志失败")
	}
	return nil
}

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取操作日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []Entry
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.ID > m.seq {
			m.seq = entry.ID
		}
		restored = append([]Entry{entry}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析操作日志 %s 失败", m.dataFile))
	}
	if len(restored) > m.capacity {
		restored = restored[:m.capacity]
	}
	m.records = restored
	return nil
}
