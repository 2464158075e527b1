package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Gateway/deploy/migrations"
	xerrors "OpenMCP-Gateway/internal/errors"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version INT NOT NULL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// migration 对应一个形如 0001_name.sql 的迁移文件。
type migration struct {
	version    int
	name       string
	checksum   string
	statements []string
}

// migrator 将 source 中的迁移按版本号依次应用到 db。
type migrator struct {
	db     *sql.DB
	source fs.FS
	now    func() time.Time
}

func newMigrator(db *sql.DB, source fs.FS) *migrator {
	return &migrator{db: db, source: source, now: time.Now}
}

// runMigrations 应用 deploy/migrations 中内嵌的迁移。
func runMigrations(ctx context.Context, db *sql.DB) error {
	return newMigrator(db, migrations.Files).Up(ctx)
}

// Up 执行尚未应用的迁移，每个文件一个事务。
// 已应用的文件内容发生变化时拒绝继续，避免库表与代码不一致。
func (m *migrator) Up(ctx context.Context) error {
	pending, err := readMigrations(m.source)
	if err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	for _, mg := range pending {
		if sum, ok := applied[mg.version]; ok {
			if sum != mg.checksum {
				return xerrors.New(xerrors.CodeConfiguration,
					fmt.Sprintf("迁移 %s 在应用后被修改", mg.name),
					xerrors.WithMetadata("version", strconv.Itoa(mg.version)))
			}
			continue
		}
		if err := m.apply(ctx, mg); err != nil {
			return err
		}
	}
	return nil
}

func (m *migrator) applied(ctx context.Context) (map[int]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return out, nil
}

func (m *migrator) apply(ctx context.Context, mg migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range mg.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", mg.name))
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		mg.version, mg.name, mg.checksum, m.now().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// readMigrations 读取并按版本排序全部 *.sql 文件。
func readMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}
	seen := make(map[int]string, len(names))
	out := make([]migration, 0, len(names))
	for _, name := range names {
		version, err := migrationVersion(name)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("迁移版本重复: %s 与 %s", prev, name))
		}
		seen[version] = name

		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		prefix = strings.TrimSuffix(name, ".sql")
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("迁移文件名缺少版本号: %s", name))
	}
	return version, nil
}

// splitStatements 按分号切分语句，忽略空语句和整行 -- 注释。
func splitStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}
	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
