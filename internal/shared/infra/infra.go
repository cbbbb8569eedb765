// Package infra 基础设施聚合层
//
// 根据配置初始化可选基础设施：
//   - Storage：持久化存储（SQLite / PostgreSQL）
//   - Cache：仓库配置缓存（Redis，未启用时为 NoOp）
//   - EventBus：任务事件总线（Redis Streams，未启用时为进程内广播）
//   - Objects：结果归档（MinIO，未启用时为 nil）
package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/zihaoli-cn/codestat-agent/internal/config"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/cache"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	objstore "github.com/zihaoli-cn/codestat-agent/internal/shared/minio"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage/dbutil"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage/driver/postgres"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage/driver/sqlite"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage/repository"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// Cache 仓库配置缓存
	Cache cache.Cache

	// EventBus 任务事件总线
	EventBus eventbus.EventBus

	// Objects 结果归档，未启用 MinIO 时为 nil
	Objects *objstore.Client

	redis *RedisInfra
}

// New 根据配置初始化基础设施
//
// 数据库失败直接返回错误；Redis、MinIO 属于可选组件，失败时降级并记录日志。
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Infrastructure, error) {
	store, err := OpenStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	infra := &Infrastructure{
		Storage:  store,
		Cache:    cache.NewNoOpCache(),
		EventBus: eventbus.NewMemoryEventBus(),
	}

	if cfg.RedisURL != "" {
		r, err := NewRedisInfra(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process cache and event bus", "error", err)
		} else {
			infra.redis = r
			infra.Cache = r.Cache()
			infra.EventBus = r.EventBus()
		}
	}

	if cfg.MinIO.Enabled {
		objects, err := objstore.NewClient(cfg.MinIO)
		if err == nil {
			err = objects.EnsureBucket(ctx)
		}
		if err != nil {
			logger.Warn("minio unavailable, result archive disabled", "error", err)
		} else {
			infra.Objects = objects
		}
	}

	return infra, nil
}

// OpenStore 打开数据库并自动建表
func OpenStore(driver, databaseURL string) (*repository.Store, error) {
	var (
		open    func(string) (*sql.DB, error)
		dialect dbutil.Dialect
	)
	switch driver {
	case "postgres":
		open, dialect = postgres.Open, postgres.NewDialect()
	case "sqlite", "":
		if err := ensureSQLiteDir(databaseURL); err != nil {
			return nil, err
		}
		open, dialect = sqlite.Open, sqlite.NewDialect()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := open(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	log.Printf("[Storage] Connected (%s)", dialect.DriverType())
	return repository.NewStore(db, dialect), nil
}

// ensureSQLiteDir 创建 SQLite 文件所在目录
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if path == dsn || path == "" {
		return nil
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return os.MkdirAll(filepath.Dir(path), 0755)
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var errs []error
	if i.EventBus != nil {
		errs = append(errs, i.EventBus.Close())
	}
	if i.Cache != nil {
		errs = append(errs, i.Cache.Close())
	}
	if i.redis != nil {
		errs = append(errs, i.redis.Close())
	}
	if i.Storage != nil {
		errs = append(errs, i.Storage.Close())
	}
	return errors.Join(errs...)
}
