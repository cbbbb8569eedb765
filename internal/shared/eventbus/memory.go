package eventbus

import (
	"context"
	"strconv"
	"sync"
)

// MemoryEventBus 进程内事件总线，未配置 Redis 时使用
//
// 保留最近 MaxStreamLength 条事件；订阅方消费过慢时丢弃该订阅方的新事件。
type MemoryEventBus struct {
	mu     sync.Mutex
	seq    int64
	events []*TaskEvent
	subs   map[chan *TaskEvent]struct{}
	closed bool
}

var _ EventBus = (*MemoryEventBus)(nil)

// NewMemoryEventBus 创建进程内事件总线
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[chan *TaskEvent]struct{})}
}

// PublishTaskEvent 发布事件并广播给订阅方
func (b *MemoryEventBus) PublishTaskEvent(ctx context.Context, event *TaskEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}

	b.seq++
	ev := *event
	ev.ID = strconv.FormatInt(b.seq, 10)
	b.events = append(b.events, &ev)
	if len(b.events) > MaxStreamLength {
		b.events = b.events[len(b.events)-MaxStreamLength:]
	}

	for ch := range b.subs {
		select {
		case ch <- &ev:
		default:
		}
	}
	return nil
}

// GetTaskEvents 读取历史事件
func (b *MemoryEventBus) GetTaskEvents(ctx context.Context, fromID string, count int64) ([]*TaskEvent, error) {
	var from int64
	if fromID != "" {
		v, err := strconv.ParseInt(fromID, 10, 64)
		if err != nil {
			return nil, err
		}
		from = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := []*TaskEvent{}
	for _, ev := range b.events {
		id, _ := strconv.ParseInt(ev.ID, 10, 64)
		if id <= from {
			continue
		}
		out = append(out, ev)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// SubscribeTaskEvents 订阅新事件
func (b *MemoryEventBus) SubscribeTaskEvents(ctx context.Context) (<-chan *TaskEvent, error) {
	ch := make(chan *TaskEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close 关闭所有订阅
func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	return nil
}
