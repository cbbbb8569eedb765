// Package registry 内存任务表
//
// Registry 是任务状态的唯一写入点：所有修改都在同一把锁内完成，
// 状态迁移通过 Transition 校验并设置对应时间戳。读取方拿到的总是深拷贝。
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// Filter 列表过滤条件
type Filter struct {
	RepositoryID string
	Status       model.TaskStatus
	Limit        int
}

// Registry 内存任务表
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	now   func() time.Time
}

// New 创建任务表
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*model.Task),
		now:   time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Insert 插入新任务，ID 重复时返回错误
func (r *Registry) Insert(task *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	t := task.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	r.tasks[t.ID] = t
	return nil
}

// InsertIfIdle 仓库没有活跃任务时插入，否则返回 *model.ConflictError
//
// 检查与插入在同一临界区内完成。
func (r *Registry) InsertIfIdle(task *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active := r.activeLocked(task.RepositoryID); active != nil {
		return &model.ConflictError{RepositoryID: task.RepositoryID, TaskID: active.ID, InstanceID: active.RuntimeInstanceID}
	}
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already registered", task.ID)
	}
	t := task.Clone()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.now()
	}
	r.tasks[t.ID] = t
	return nil
}

// Get 获取任务
func (r *Registry) Get(id string) (*model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List 按创建时间倒序列出任务
func (r *Registry) List(f Filter) []*model.Task {
	r.mu.RLock()
	out := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if f.RepositoryID != "" && t.RepositoryID != f.RepositoryID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ActiveFor 返回仓库当前的活跃任务（PENDING / RUNNING）
func (r *Registry) ActiveFor(repositoryID string) (*model.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.activeLocked(repositoryID)
	if t == nil {
		return nil, false
	}
	return t.Clone(), true
}

func (r *Registry) activeLocked(repositoryID string) *model.Task {
	for _, t := range r.tasks {
		if t.RepositoryID == repositoryID && t.Status.IsActive() {
			return t
		}
	}
	return nil
}

// ByStatus 返回指定状态的全部任务，按创建时间正序
func (r *Registry) ByStatus(status model.TaskStatus) []*model.Task {
	r.mu.RLock()
	var out []*model.Task
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Transition 执行状态迁移
//
// 迁移非法时返回 model.ErrInvalidTransition，任务保持不变。
// 合法时设置对应时间戳（每个时间戳只设置一次），再在锁内调用 mutate，返回迁移后的快照。
func (r *Registry) Transition(id string, to model.TaskStatus, mutate func(t *model.Task)) (*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if !model.CanTransition(t.Status, to) {
		return nil, fmt.Errorf("task %s %s -> %s: %w", id, t.Status, to, model.ErrInvalidTransition)
	}

	now := r.now()
	t.Status = to
	if to == model.TaskStatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() && t.FinishedAt == nil {
		t.FinishedAt = &now
	}
	if mutate != nil {
		mutate(t)
	}
	return t.Clone(), nil
}

// ClearInstance teardown 完成后清空实例 ID，任务状态与结果保留
func (r *Registry) ClearInstance(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		t.RuntimeInstanceID = ""
	}
}

// InstanceInUse 判断实例是否仍属于非终态任务
func (r *Registry) InstanceInUse(instanceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tasks {
		if t.RuntimeInstanceID == instanceID && !t.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// Evict 任务数超过 max 时按完成时间从早到晚删除终态任务，返回删除数量
//
// 活跃任务从不被删除，因此活跃任务本身超过 max 时任务表仍可能超限。
func (r *Registry) Evict(max int) int {
	if max <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	excess := len(r.tasks) - max
	if excess <= 0 {
		return 0
	}

	terminal := make([]*model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.Status.IsTerminal() {
			terminal = append(terminal, t)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return finishedAt(terminal[i]).Before(finishedAt(terminal[j]))
	})

	n := 0
	for _, t := range terminal {
		if n >= excess {
			break
		}
		delete(r.tasks, t.ID)
		n++
	}
	return n
}

func finishedAt(t *model.Task) time.Time {
	if t.FinishedAt != nil {
		return *t.FinishedAt
	}
	return t.CreatedAt
}

// Len 任务总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Counts 按状态统计任务数
func (r *Registry) Counts() map[model.TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.TaskStatus]int, 5)
	for _, t := range r.tasks {
		out[t.Status]++
	}
	return out
}
