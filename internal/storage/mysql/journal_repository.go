package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/journal"
)

const journalColumns = `id, confirmation_id, run_id, operation, args, decision, decided_by, result, tx_hash, error_code, created_at, resolved_at`

// JournalRepository 使用 MySQL 持久化操作日志。
type JournalRepository struct {
	db *sql.DB
}

var _ journal.Store = (*JournalRepository)(nil)

// NewJournalRepository 创建连接池并执行内嵌迁移。
func NewJournalRepository(ctx context.Context, cfg Config) (*JournalRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &JournalRepository{db: db}, nil
}

// Append 写入一条记录。同一确认 ID 重复写入时返回 CONFLICT。
func (r *JournalRepository) Append(ctx context.Context, entry journal.Entry) error {
	args, err := json.Marshal(entry.Args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化操作参数失败")
	}
	const stmt = `INSERT INTO operation_journal
    (confirmation_id, run_id, operation, args, decision, decided_by, result, tx_hash, error_code, created_at, resolved_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, stmt,
		entry.ConfirmationID,
		entry.RunID,
		entry.Operation,
		string(args),
		entry.Decision,
		entry.DecidedBy,
		entry.Result,
		entry.TxHash,
		entry.ErrorCode,
		toMillis(entry.CreatedAt),
		toMillis(entry.ResolvedAt),
	); err != nil {
		if isDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "操作记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入操作日志失败")
	}
	return nil
}

// List 按解决时间倒序查询记录。
func (r *JournalRepository) List(ctx context.Context, q journal.Query) ([]journal.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = journal.DefaultLimit
	}

	var (
		conds  []string
		params []any
	)
	if q.ConfirmationID != "" {
		conds = append(conds, "confirmation_id = ?")
		params = append(params, q.ConfirmationID)
	}
	if q.RunID != "" {
		conds = append(conds, "run_id = ?")
		params = append(params, q.RunID)
	}
	query := `SELECT ` + journalColumns + ` FROM operation_journal`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY resolved_at DESC, id DESC LIMIT ?"
	params = append(params, limit)

	rows, err := r.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询操作日志失败")
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var (
			entry             journal.Entry
			args              string
			created, resolved int64
		)
		if err := rows.Scan(&entry.ID, &entry.ConfirmationID, &entry.RunID, &entry.Operation, &args,
			&entry.Decision, &entry.DecidedBy, &entry.Result, &entry.TxHash, &entry.ErrorCode,
			&created, &resolved); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作日志失败")
		}
		if args != "" && args != "null" {
			if err := json.Unmarshal([]byte(args), &entry.Args); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析操作参数失败")
			}
		}
		entry.CreatedAt = fromMillis(created)
		entry.ResolvedAt = fromMillis(resolved)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历操作日志失败")
	}
	return entries, nil
}

// Close 关闭底层数据库连接。
func (r *JournalRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
