// Package cache 缓存 mock 实现
package cache

import (
	"context"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// NoOpCache 永不命中的缓存（未配置 Redis 时使用）
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Close() error { return nil }

func (c *NoOpCache) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	return nil, nil
}
func (c *NoOpCache) SetRepository(ctx context.Context, repo *model.Repository, ttl time.Duration) error {
	return nil
}
func (c *NoOpCache) DeleteRepository(ctx context.Context, id string) error {
	return nil
}

// 确保 NoOpCache 实现了 Cache 接口
var _ Cache = (*NoOpCache)(nil)
