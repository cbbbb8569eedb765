// Package repository 仓库配置管理 - HTTP 处理
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Invalidator 配置缓存失效，由 *cache.Repositories 实现
type Invalidator interface {
	Invalidate(ctx context.Context, repositoryID string)
}

// Store 仓库与任务存储
type Store interface {
	storage.RepositoryStore
	LatestTask(ctx context.Context, repositoryID string) (*model.Task, error)
}

// Handler 仓库 HTTP 处理器
type Handler struct {
	store Store
	cache Invalidator
	log   *logging.Logger
	now   func() time.Time
}

// NewHandler 创建仓库处理器，cache 可以为 nil
func NewHandler(store Store, cache Invalidator, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{store: store, cache: cache, log: log, now: time.Now}
}

// RegisterRoutes 注册仓库相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/repositories", h.List)
	mux.HandleFunc("GET /api/v1/repositories/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/repositories/{id}", h.Upsert)
	mux.HandleFunc("DELETE /api/v1/repositories/{id}", h.Delete)
}

// upsertRequest 仓库配置请求体
//
// webhook_secret 与 enabled 省略时保留原值。
type upsertRequest struct {
	Name          string            `json:"repository_name"`
	URL           string            `json:"repository_url"`
	MainBranch    string            `json:"main_branch"`
	ClocConfig    *model.ClocConfig `json:"cloc_config"`
	WebhookSecret *string           `json:"webhook_secret"`
	Enabled       *bool             `json:"enabled"`
}

// repositoryView 仓库响应，不暴露密钥本身
type repositoryView struct {
	*model.Repository
	HasWebhookSecret bool        `json:"has_webhook_secret"`
	LatestTask       *model.Task `json:"latest_task,omitempty"`
}

func view(repo *model.Repository) repositoryView {
	return repositoryView{Repository: repo, HasWebhookSecret: repo.WebhookSecret != ""}
}

// List 列出仓库
// GET /api/v1/repositories?enabled=true
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	repos, err := h.store.ListRepositories(r.Context(), enabledOnly)
	if err != nil {
		h.log.Error("list repositories failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list repositories")
		return
	}

	out := make([]repositoryView, 0, len(repos))
	for _, repo := range repos {
		out = append(out, view(repo))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repositories": out,
		"count":        len(out),
	})
}

// Get 获取仓库配置及最近一次任务
// GET /api/v1/repositories/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	repo, err := h.store.GetRepository(r.Context(), id)
	if err != nil {
		h.log.WithRepositoryID(id).Error("get repository failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get repository")
		return
	}
	if repo == nil {
		writeError(w, http.StatusNotFound, "repository not found")
		return
	}

	v := view(repo)
	latest, err := h.store.LatestTask(r.Context(), id)
	if err != nil {
		h.log.WithRepositoryID(id).Warn("load latest task failed", "error", err)
	}
	v.LatestTask = latest
	writeJSON(w, http.StatusOK, v)
}

// Upsert 创建或更新仓库配置，并使配置缓存失效
// POST /api/v1/repositories/{id}
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := h.log.WithRepositoryID(id)

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "repository_name and repository_url are required")
		return
	}
	if want := model.RepositoryID(req.Name); want != id {
		writeError(w, http.StatusBadRequest, "repository id does not match repository_name (expected "+want+")")
		return
	}
	if req.ClocConfig != nil {
		if err := req.ClocConfig.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	existing, err := h.store.GetRepository(r.Context(), id)
	if err != nil {
		log.Error("get repository failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save repository")
		return
	}

	now := h.now().UTC()
	repo := &model.Repository{
		ID:         id,
		Name:       req.Name,
		URL:        req.URL,
		MainBranch: req.MainBranch,
		ClocConfig: req.ClocConfig,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
		repo.CreatedAt = existing.CreatedAt
		repo.WebhookSecret = existing.WebhookSecret
		repo.Enabled = existing.Enabled
	}
	if req.WebhookSecret != nil {
		repo.WebhookSecret = *req.WebhookSecret
	}
	if req.Enabled != nil {
		repo.Enabled = *req.Enabled
	}

	if err := h.store.UpsertRepository(r.Context(), repo); err != nil {
		log.Error("upsert repository failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save repository")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(r.Context(), id)
	}

	log.Info("repository saved", "enabled", repo.Enabled, "created", existing == nil)
	writeJSON(w, status, view(repo))
}

// Delete 删除仓库配置
// DELETE /api/v1/repositories/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.store.DeleteRepository(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "repository not found")
		return
	case err != nil:
		h.log.WithRepositoryID(id).Error("delete repository failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete repository")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(r.Context(), id)
	}
	h.log.WithRepositoryID(id).Info("repository deleted")
	w.WriteHeader(http.StatusNoContent)
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
