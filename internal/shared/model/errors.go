package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMainBranch push 目标不是主分支，不创建任务
	ErrNotMainBranch = errors.New("push target is not the main branch")

	// ErrRepositoryDisabled 仓库已禁用
	ErrRepositoryDisabled = errors.New("repository is disabled")

	// ErrInvalidTransition 非法状态迁移
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTimeoutExceeded 执行超时
	ErrTimeoutExceeded = errors.New("execution exceeded timeout")
)

// ConflictError 仓库槽位已被占用
//
// intake 阶段表示已有活跃任务，provision 阶段表示已有存活实例。
type ConflictError struct {
	RepositoryID string
	TaskID       string // 占用槽位的任务，可能为空
	InstanceID   string // 占用槽位的实例，可能为空
}

func (e *ConflictError) Error() string {
	switch {
	case e.TaskID != "":
		return fmt.Sprintf("repository %s already has an active task %s", e.RepositoryID, e.TaskID)
	case e.InstanceID != "":
		return fmt.Sprintf("repository %s slot is occupied by instance %s", e.RepositoryID, shortID(e.InstanceID))
	default:
		return fmt.Sprintf("repository %s slot is occupied", e.RepositoryID)
	}
}

// ProvisionError 实例创建/启动失败，对该任务是致命错误
type ProvisionError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provision failed: %s: %v", e.Reason, e.Err)
	}
	return "provision failed: " + e.Reason
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// PollTransientError 状态查询暂时失败，下一轮重试
type PollTransientError struct {
	InstanceID string
	Err        error
}

func (e *PollTransientError) Error() string {
	return fmt.Sprintf("poll instance %s: %v", shortID(e.InstanceID), e.Err)
}

func (e *PollTransientError) Unwrap() error { return e.Err }

// InstanceExitError 实例以非零退出码结束
type InstanceExitError struct {
	ExitCode int
	LogTail  string
}

func (e *InstanceExitError) Error() string {
	if e.LogTail == "" {
		return fmt.Sprintf("instance exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("instance exited with code %d\n--- last log lines ---\n%s", e.ExitCode, e.LogTail)
}

// IsConflict 判断是否为槽位冲突
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsProvisionError 判断是否为 provision 错误
func IsProvisionError(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe)
}

// IsPollTransient 判断是否为暂时性查询错误
func IsPollTransient(err error) bool {
	var pe *PollTransientError
	return errors.As(err, &pe)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
