// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// TaskEvent 任务状态变更事件
type TaskEvent struct {
	// ID 事件 ID（Redis Stream 消息 ID 或进程内序号）
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	TaskID       string           `json:"task_id"`
	RepositoryID string           `json:"repository_id"`
	Status       model.TaskStatus `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	Task         *model.Task      `json:"task,omitempty"`
}

// NewTaskEvent 由任务快照构造事件，类型为 task.<status>
func NewTaskEvent(task *model.Task, now time.Time) *TaskEvent {
	return &TaskEvent{
		Type:         EventType(task.Status),
		TaskID:       task.ID,
		RepositoryID: task.RepositoryID,
		Status:       task.Status,
		Timestamp:    now.UTC(),
		Task:         task,
	}
}

// EventType 返回状态对应的事件类型
func EventType(status model.TaskStatus) string {
	return "task." + string(status)
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// StreamTaskEvents 任务事件 Stream
	StreamTaskEvents = "codestat:events:tasks"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 1000

	// subscriberBuffer 订阅通道缓冲
	subscriberBuffer = 100
)
