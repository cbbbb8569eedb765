// Package cache 缓存层抽象接口
//
// 缓存仓库配置快照，减少 webhook 高峰期对数据库的读取，当前由 Redis 实现。
package cache

import (
	"context"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// DefaultRepositoryTTL 仓库配置默认缓存时间
const DefaultRepositoryTTL = 30 * time.Second

// RepositoryCache 仓库配置缓存接口
type RepositoryCache interface {
	// GetRepository 未命中时返回 (nil, nil)
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	SetRepository(ctx context.Context, repo *model.Repository, ttl time.Duration) error
	DeleteRepository(ctx context.Context, id string) error
}

// Cache 缓存组合接口
type Cache interface {
	RepositoryCache
	Close() error
}
