package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect 标识底层数据库。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Config 描述数据库连接参数。SQLite 的 DSN 为数据库文件路径。
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", cfg.Dialect)
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Dialect {
	case DialectMySQL:
		db, err = sql.Open("mysql", cfg.DSN)
	case DialectSQLite:
		dsn := filepath.Clean(cfg.DSN) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
		db, err = sql.Open("sqlite", dsn)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %q", cfg.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", cfg.Dialect, err)
	}

	switch {
	case cfg.Dialect == DialectSQLite:
		// SQLite 只允许单个写连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", cfg.Dialect, err)
	}
	return db, nil
}
