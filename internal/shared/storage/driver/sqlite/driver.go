// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和单机部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	return dbutil.OnConflictUpdate(conflictColumn, updateExprs)
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:codestat.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// 内存库每个连接都是独立实例，必须固定为单连接
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 建表语句（与 deployments/init-db.sql 保持一致）
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    repository_id   VARCHAR(200) PRIMARY KEY,
    name            VARCHAR(200) NOT NULL,
    url             TEXT NOT NULL,
    main_branch     VARCHAR(200) DEFAULT '',
    cloc_config     TEXT,
    webhook_secret  TEXT DEFAULT '',
    enabled         INTEGER DEFAULT 1,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    task_id          VARCHAR(255) PRIMARY KEY,
    repository_id    VARCHAR(200) NOT NULL,
    repository_name  VARCHAR(200) DEFAULT '',
    repository_url   TEXT DEFAULT '',
    branch           VARCHAR(200) DEFAULT '',
    commit_sha       VARCHAR(64) DEFAULT '',
    status           VARCHAR(32) NOT NULL,
    container_id     VARCHAR(128) DEFAULT '',
    exit_code        INTEGER,
    result           TEXT,
    error_message    TEXT DEFAULT '',
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME,
    updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_repository ON tasks (repository_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`
