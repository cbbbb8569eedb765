// Package redis 基于 Redis Streams 的任务事件总线
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
	stream string
	log    *logging.Logger
}

var _ eventbus.EventBus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Discard()
	}
	return &Store{client: client, stream: eventbus.StreamTaskEvents, log: log}
}

// Close 由 infra 统一关闭底层连接
func (s *Store) Close() error {
	return nil
}

// PublishTaskEvent 发布任务事件
func (s *Store) PublishTaskEvent(ctx context.Context, event *eventbus.TaskEvent) error {
	var taskJSON []byte
	if event.Task != nil {
		b, err := json.Marshal(event.Task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		taskJSON = b
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":          event.Type,
			"task_id":       event.TaskID,
			"repository_id": event.RepositoryID,
			"status":        string(event.Status),
			"timestamp":     event.Timestamp.Format(time.RFC3339Nano),
			"task":          string(taskJSON),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	s.log.Debug("published task event", "id", id, "type", event.Type, "task_id", event.TaskID)
	return nil
}

// GetTaskEvents 读取历史事件
func (s *Store) GetTaskEvents(ctx context.Context, fromID string, count int64) ([]*eventbus.TaskEvent, error) {
	start := "-"
	if fromID != "" {
		// 排他区间
		start = "(" + fromID
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, s.stream, start, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, s.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]*eventbus.TaskEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeMessage(msg))
	}
	return events, nil
}

// SubscribeTaskEvents 订阅新事件
func (s *Store) SubscribeTaskEvents(ctx context.Context) (<-chan *eventbus.TaskEvent, error) {
	ch := make(chan *eventbus.TaskEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{s.stream, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() == nil {
					s.log.Warn("event subscription error", "error", err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeMessage(msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func decodeMessage(msg redis.XMessage) *eventbus.TaskEvent {
	event := &eventbus.TaskEvent{
		ID:           msg.ID,
		Type:         stringValue(msg.Values, "type"),
		TaskID:       stringValue(msg.Values, "task_id"),
		RepositoryID: stringValue(msg.Values, "repository_id"),
		Status:       model.TaskStatus(stringValue(msg.Values, "status")),
	}

	if ts := stringValue(msg.Values, "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.Timestamp = t
		}
	}
	if raw := stringValue(msg.Values, "task"); raw != "" {
		var task model.Task
		if err := json.Unmarshal([]byte(raw), &task); err == nil {
			event.Task = &task
		}
	}
	return event
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
