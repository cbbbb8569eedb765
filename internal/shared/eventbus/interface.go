// Package eventbus 事件总线抽象接口
//
// 提供任务事件的发布/订阅能力，由 Redis Streams 或进程内广播实现。
package eventbus

import (
	"context"
)

// TaskEventBus 任务事件总线接口
type TaskEventBus interface {
	PublishTaskEvent(ctx context.Context, event *TaskEvent) error
	// GetTaskEvents 返回 fromID 之后（不含）的最多 count 条事件，fromID 为空时从头读取
	GetTaskEvents(ctx context.Context, fromID string, count int64) ([]*TaskEvent, error)
	// SubscribeTaskEvents 订阅新事件，ctx 结束时关闭通道
	SubscribeTaskEvents(ctx context.Context) (<-chan *TaskEvent, error)
}

// EventBus 事件总线组合接口
type EventBus interface {
	TaskEventBus
	Close() error
}
