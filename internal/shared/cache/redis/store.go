// Package redis Redis 缓存实现
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/cache"
)

// Store Redis 缓存存储
type Store struct {
	client *redis.Client
}

var _ cache.Cache = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 由 infra 统一关闭底层连接
func (s *Store) Close() error {
	return nil
}

// Client 返回底层 Redis 客户端
func (s *Store) Client() *redis.Client {
	return s.client
}
