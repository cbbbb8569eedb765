// Package task 任务查询 - HTTP 处理
//
// 活跃任务以内存任务表为准，历史任务来自持久化存储，两者按任务 ID 合并。
package task

import (
	"net/http"
	"sort"

	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// LiveTasks 内存任务表，由 *registry.Registry 实现
type LiveTasks interface {
	Get(id string) (*model.Task, bool)
	List(f registry.Filter) []*model.Task
}

// Handler 任务 HTTP 处理器
type Handler struct {
	live  LiveTasks
	store storage.TaskStore
	log   *logging.Logger
}

// NewHandler 创建任务处理器
func NewHandler(live LiveTasks, store storage.TaskStore, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{live: live, store: store, log: log}
}

// RegisterRoutes 注册任务相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tasks", h.List)
	mux.HandleFunc("GET /api/v1/tasks/{id}", h.Get)
}

type listResponse struct {
	Tasks []*model.Task `json:"tasks"`
	Count int           `json:"count"`
}

// List 列出任务
// GET /api/v1/tasks?repository_id=&status=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	var status model.TaskStatus
	if raw := q.Get("status"); raw != "" {
		s, ok := model.ParseTaskStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = s
	}
	repoID := q.Get("repository_id")

	live := h.live.List(registry.Filter{RepositoryID: repoID, Status: status, Limit: limit})

	persisted, err := h.store.ListTasks(r.Context(), storage.TaskFilter{
		RepositoryID: repoID,
		Status:       status,
		Limit:        limit,
	})
	if err != nil {
		h.log.Error("list persisted tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	// 仍在内存中的任务以内存状态为准，持久化副本可能滞后
	fresh := persisted[:0]
	for _, t := range persisted {
		if _, ok := h.live.Get(t.ID); !ok {
			fresh = append(fresh, t)
		}
	}

	tasks := merge(live, fresh, limit)
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Count: len(tasks)})
}

// Get 获取任务详情
// GET /api/v1/tasks/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if t, ok := h.live.Get(id); ok {
		writeJSON(w, http.StatusOK, t)
		return
	}

	t, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		h.log.WithTaskID(id).Error("get persisted task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// merge 合并内存与持久化任务，同一 ID 以内存版本为准，按创建时间倒序截断
func merge(live, persisted []*model.Task, limit int) []*model.Task {
	seen := make(map[string]bool, len(live))
	out := make([]*model.Task, 0, len(live)+len(persisted))
	for _, t := range live {
		seen[t.ID] = true
		out = append(out, t)
	}
	for _, t := range persisted {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
