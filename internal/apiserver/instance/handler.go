// Package instance 运行实例（容器）运维 - HTTP 处理
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
	"github.com/zihaoli-cn/codestat-agent/internal/scheduler"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Controller 实例控制器，由 *instance.Controller 实现
type Controller interface {
	List(ctx context.Context) ([]runtime.InstanceStatus, error)
	Remove(ctx context.Context, repositoryID string) error
	CleanupExited(ctx context.Context, inUse func(instanceID string) bool) (int, error)
}

// Scheduler 调度器运维入口，由 *scheduler.Scheduler 实现
type Scheduler interface {
	StopRepository(ctx context.Context, repositoryID string) (*model.Task, error)
}

// Tasks 内存任务表，由 *registry.Registry 实现
type Tasks interface {
	ActiveFor(repositoryID string) (*model.Task, bool)
	InstanceInUse(instanceID string) bool
}

// Handler 实例运维 HTTP 处理器
type Handler struct {
	ctrl  Controller
	sched Scheduler
	tasks Tasks
	log   *logging.Logger
}

// NewHandler 创建实例处理器
func NewHandler(ctrl Controller, sched Scheduler, tasks Tasks, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{ctrl: ctrl, sched: sched, tasks: tasks, log: log}
}

// RegisterRoutes 注册实例相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/containers", h.List)
	mux.HandleFunc("POST /api/v1/containers/cleanup", h.Cleanup)
	mux.HandleFunc("POST /api/v1/containers/{repository_id}/stop", h.Stop)
	mux.HandleFunc("DELETE /api/v1/containers/{repository_id}", h.Delete)
}

// ============================================================================
// HTTP 处理函数
// ============================================================================

// List 列出受管实例
// GET /api/v1/containers
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctrl.List(r.Context())
	if err != nil {
		h.log.Error("list instances failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to list containers")
		return
	}
	if list == nil {
		list = []runtime.InstanceStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"containers": list,
		"count":      len(list),
	})
}

// Stop 停止仓库的活跃任务并清理槽位
// POST /api/v1/containers/{repository_id}/stop
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("repository_id")
	task, err := h.sched.StopRepository(r.Context(), repoID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "stopped", "task": task})
	case errors.Is(err, scheduler.ErrNoActiveTask):
		writeError(w, http.StatusNotFound, "repository has no active task")
	case errors.Is(err, model.ErrInvalidTransition):
		// 停止期间任务已自行结束
		writeError(w, http.StatusConflict, "task already finished")
	default:
		h.log.WithRepositoryID(repoID).Error("stop repository failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to stop container")
	}
}

// Delete 强制删除仓库槽位上的实例
//
// 有活跃任务时走 StopRepository，保证任务状态与槽位一致。
// DELETE /api/v1/containers/{repository_id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("repository_id")
	log := h.log.WithRepositoryID(repoID)

	if _, active := h.tasks.ActiveFor(repoID); active {
		task, err := h.sched.StopRepository(r.Context(), repoID)
		if err != nil && !errors.Is(err, scheduler.ErrNoActiveTask) && !errors.Is(err, model.ErrInvalidTransition) {
			log.Error("stop repository failed", "error", err)
			writeError(w, http.StatusBadGateway, "failed to remove container")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "removed", "task": task})
		return
	}

	err := h.ctrl.Remove(r.Context(), repoID)
	switch {
	case err == nil:
		log.Info("container removed")
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case errors.Is(err, runtime.ErrNotFound):
		writeError(w, http.StatusNotFound, "container not found")
	default:
		log.Error("remove container failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to remove container")
	}
}

// Cleanup 删除所有已退出且不属于活跃任务的实例
// POST /api/v1/containers/cleanup
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.ctrl.CleanupExited(r.Context(), h.tasks.InstanceInUse)
	if err != nil {
		h.log.Error("cleanup instances failed", "error", err)
		writeError(w, http.StatusBadGateway, "failed to cleanup containers")
		return
	}
	h.log.Info("cleanup finished", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 写入错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
