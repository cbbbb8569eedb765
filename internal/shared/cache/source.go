package cache

import (
	"context"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// RepositoryLoader 仓库配置的权威来源
type RepositoryLoader interface {
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
}

// Repositories 带缓存的仓库配置读取（read-through）
//
// 缓存读写失败只记录日志，始终回落到权威来源。
type Repositories struct {
	loader RepositoryLoader
	cache  RepositoryCache
	ttl    time.Duration
	log    *logging.Logger
}

// NewRepositories 创建带缓存的仓库配置源
func NewRepositories(loader RepositoryLoader, c RepositoryCache, ttl time.Duration, log *logging.Logger) *Repositories {
	if c == nil {
		c = NewNoOpCache()
	}
	if ttl <= 0 {
		ttl = DefaultRepositoryTTL
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Repositories{loader: loader, cache: c, ttl: ttl, log: log}
}

// GetRepository 先查缓存，未命中时读取来源并回填
func (r *Repositories) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	repo, err := r.cache.GetRepository(ctx, id)
	if err != nil {
		r.log.Warn("repository cache read failed", "repository_id", id, "error", err)
	} else if repo != nil {
		return repo, nil
	}

	repo, err = r.loader.GetRepository(ctx, id)
	if err != nil || repo == nil {
		return repo, err
	}
	if err := r.cache.SetRepository(ctx, repo, r.ttl); err != nil {
		r.log.Warn("repository cache write failed", "repository_id", id, "error", err)
	}
	return repo, nil
}

// Invalidate 仓库配置变更后清除缓存
func (r *Repositories) Invalidate(ctx context.Context, id string) {
	if err := r.cache.DeleteRepository(ctx, id); err != nil {
		r.log.Warn("repository cache invalidate failed", "repository_id", id, "error", err)
	}
}
