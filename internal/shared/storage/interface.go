// Package storage 定义持久化存储层抽象接口
//
// 调用方只依赖接口，具体实现在 repository/（通过 dbutil.Dialect 支持 SQLite 与 PostgreSQL）。
package storage

import (
	"context"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// 任务列表分页限制
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// TaskFilter 任务查询过滤条件
type TaskFilter struct {
	RepositoryID string
	Status       model.TaskStatus
	Limit        int
}

// EffectiveLimit 返回实际使用的条数上限
func (f TaskFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// RepositoryStore 仓库配置存储
type RepositoryStore interface {
	UpsertRepository(ctx context.Context, repo *model.Repository) error
	// GetRepository 仓库不存在时返回 (nil, nil)
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	ListRepositories(ctx context.Context, enabledOnly bool) ([]*model.Repository, error)
	// DeleteRepository 仓库不存在时返回 ErrNotFound
	DeleteRepository(ctx context.Context, id string) error
}

// TaskStore 任务历史存储
type TaskStore interface {
	// SaveTask 插入或更新任务；已是终态的记录不会被非终态覆盖
	SaveTask(ctx context.Context, task *model.Task) error
	// GetTask 任务不存在时返回 (nil, nil)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error)
	// ListActiveTasks 返回所有 PENDING / RUNNING 记录
	ListActiveTasks(ctx context.Context) ([]*model.Task, error)
	// LatestTask 返回仓库最近一次任务，不存在时返回 (nil, nil)
	LatestTask(ctx context.Context, repositoryID string) (*model.Task, error)
}

// PersistentStore 持久化存储
type PersistentStore interface {
	RepositoryStore
	TaskStore
	Ping(ctx context.Context) error
	Close() error
}
