package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// KeyRepository 仓库配置缓存 key 前缀
const KeyRepository = "codestat:repo:"

// cachedRepository 仓库快照（WebhookSecret 在 API 序列化中被隐藏，缓存需要保留）
type cachedRepository struct {
	*model.Repository
	Secret string `json:"webhook_secret,omitempty"`
}

func encodeRepository(repo *model.Repository) ([]byte, error) {
	return json.Marshal(cachedRepository{Repository: repo, Secret: repo.WebhookSecret})
}

func decodeRepository(data []byte) (*model.Repository, error) {
	entry := cachedRepository{Repository: &model.Repository{}}
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	entry.Repository.WebhookSecret = entry.Secret
	return entry.Repository, nil
}

// GetRepository 读取缓存，未命中返回 (nil, nil)
func (s *Store) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	data, err := s.client.Get(ctx, KeyRepository+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository cache: %w", err)
	}
	repo, err := decodeRepository(data)
	if err != nil {
		// 无法解析的条目直接丢弃
		s.client.Del(ctx, KeyRepository+id)
		return nil, nil
	}
	return repo, nil
}

// SetRepository 写入缓存
func (s *Store) SetRepository(ctx context.Context, repo *model.Repository, ttl time.Duration) error {
	data, err := encodeRepository(repo)
	if err != nil {
		return fmt.Errorf("failed to marshal repository: %w", err)
	}
	return s.client.Set(ctx, KeyRepository+repo.ID, data, ttl).Err()
}

// DeleteRepository 删除缓存
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	return s.client.Del(ctx, KeyRepository+id).Err()
}
