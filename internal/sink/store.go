package sink

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// RetryConfig 指数退避参数
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig 默认重试参数
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// StoreSink 将任务写入持久化存储
//
// 终态写入按指数退避重试；进度写入只尝试一次，下一次状态变更会覆盖。
type StoreSink struct {
	store storage.TaskStore
	retry RetryConfig
	log   *logging.Logger
}

var (
	_ Sink    = (*StoreSink)(nil)
	_ Tracker = (*StoreSink)(nil)
)

// NewStoreSink 创建存储 Sink
func NewStoreSink(store storage.TaskStore, retry RetryConfig, log *logging.Logger) *StoreSink {
	if log == nil {
		log = logging.Discard()
	}
	return &StoreSink{store: store, retry: retry, log: log}
}

// Record 写入终态任务
func (s *StoreSink) Record(ctx context.Context, task *model.Task) error {
	attempt := 0
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		attempt++
		err := s.store.SaveTask(ctx, task)
		if err != nil {
			s.log.WithTaskID(task.ID).Warn("save task failed", "attempt", attempt, "error", err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialInterval
	policy.MaxInterval = s.retry.MaxInterval
	policy.MaxElapsedTime = s.retry.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// Track 写入非终态进度
func (s *StoreSink) Track(ctx context.Context, task *model.Task) error {
	return s.store.SaveTask(ctx, task)
}
