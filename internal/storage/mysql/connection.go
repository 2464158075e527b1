package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// Config 描述 MySQL 连接池参数，未设置的字段使用默认值。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DialTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	return c
}

// driverConfig 解析 DSN。DSN 未指定超时时使用 DialTimeout。
func driverConfig(cfg Config) (*mysqldriver.Config, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "MySQL DSN 不能为空")
	}
	dc, err := mysqldriver.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "MySQL DSN 格式错误")
	}
	if dc.Timeout == 0 {
		dc.Timeout = cfg.DialTimeout
	}
	return dc, nil
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	cfg = cfg.withDefaults()
	dc, err := driverConfig(cfg)
	if err != nil {
		return nil, err
	}
	connector, err := mysqldriver.NewConnector(dc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 MySQL 连接器失败")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL",
			xerrors.WithMetadata("addr", dc.Addr))
	}
	return db, nil
}

// isDuplicateKey 判断是否违反唯一约束 (ER_DUP_ENTRY)。
func isDuplicateKey(err error) bool {
	var myErr *mysqldriver.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
