package sink

import (
	"context"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// EventSink 将任务状态变更发布到事件总线
type EventSink struct {
	bus eventbus.TaskEventBus
	now func() time.Time
}

var (
	_ Sink    = (*EventSink)(nil)
	_ Tracker = (*EventSink)(nil)
)

// NewEventSink 创建事件 Sink
func NewEventSink(bus eventbus.TaskEventBus) *EventSink {
	return &EventSink{bus: bus, now: time.Now}
}

// Record 发布终态事件（task.success / task.failed / task.timeout）
func (e *EventSink) Record(ctx context.Context, task *model.Task) error {
	return e.bus.PublishTaskEvent(ctx, eventbus.NewTaskEvent(task, e.now()))
}

// Track 发布 task.pending / task.running
func (e *EventSink) Track(ctx context.Context, task *model.Task) error {
	return e.bus.PublishTaskEvent(ctx, eventbus.NewTaskEvent(task, e.now()))
}
