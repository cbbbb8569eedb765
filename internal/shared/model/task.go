// Package model 定义核心数据模型
//
// task.go 包含代码统计任务的数据模型：
//   - Task：一次 push 触发的一次统计运行
//   - TaskStatus：任务状态枚举及状态机
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusTimeout TaskStatus = "timeout"
)

// IsTerminal 是否为终态（SUCCESS / FAILED / TIMEOUT）
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusTimeout
}

// IsActive 是否占用仓库槽位（PENDING / RUNNING）
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Valid 是否为合法状态值
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// ParseTaskStatus 解析状态字符串（大小写不敏感）
func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

// transitions 允许的状态迁移
//
// pending → failed 用于启动失败和启动前被运维终止，任务不会回退到之前的状态。
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusSuccess, TaskStatusFailed, TaskStatusTimeout},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task 代码统计任务
type Task struct {
	// ID 任务 ID，格式 <repository_id>_<sha7>_<hex8>
	ID string `json:"task_id"`

	RepositoryID   string `json:"repository_id"`
	RepositoryName string `json:"repository_name"`
	RepositoryURL  string `json:"repository_url"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`

	Status TaskStatus `json:"status"`

	// RuntimeInstanceID 运行实例（容器）ID，teardown 后清空
	RuntimeInstanceID string `json:"runtime_instance_id,omitempty"`

	// Timeout 派发时解析出的超时时间（仓库覆盖值或全局默认值）
	Timeout time.Duration `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// ExitCode 实例退出码（仅在实例退出后设置）
	ExitCode *int `json:"exit_code,omitempty"`

	// Result 统计结果，仅 SUCCESS 时存在
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorMessage 失败原因，仅 FAILED / TIMEOUT 时存在
	ErrorMessage string `json:"error_message,omitempty"`
}

// Clone 深拷贝，供读取方在锁外安全使用
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	if t.ExitCode != nil {
		v := *t.ExitCode
		c.ExitCode = &v
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// Elapsed 返回自启动以来的耗时，未启动返回 0
func (t *Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// Deadline 返回超时截止时间，未启动或无超时返回零值
func (t *Task) Deadline() time.Time {
	if t.StartedAt == nil || t.Timeout <= 0 {
		return time.Time{}
	}
	return t.StartedAt.Add(t.Timeout)
}

// Duration 返回运行时长（started → finished）
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
