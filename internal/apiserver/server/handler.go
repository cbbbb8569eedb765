// Package server 路由配置与核心基础设施
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包：
//   - task: 任务查询
//   - repository: 仓库配置管理
//   - instance: 运行实例运维
//   - auth: 令牌签发与认证中间件
//   - webhook: push 事件接入
//
// 仍保留在本包的模块：
//   - feed.go: 任务表 WebSocket 推送
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/auth"
	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/instance"
	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/repository"
	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/task"
	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/storage"
	"github.com/zihaoli-cn/codestat-agent/internal/webhook"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Scheduler 调度器，由 *scheduler.Scheduler 实现
type Scheduler interface {
	webhook.Submitter
	instance.Scheduler
	IsRunning() bool
}

// RepositoryConfigs 带缓存的仓库配置来源，由 *cache.Repositories 实现
type RepositoryConfigs interface {
	webhook.RepositorySource
	repository.Invalidator
}

// Deps Handler 依赖
type Deps struct {
	Scheduler  Scheduler
	Registry   *registry.Registry
	Store      storage.PersistentStore
	Controller instance.Controller
	Configs    RepositoryConfigs
	Events     eventbus.TaskEventBus // 可以为 nil

	Auth    auth.Config
	Webhook webhook.Options

	FeedInterval time.Duration

	// Registerer/Gatherer 为 nil 时使用 Prometheus 默认注册表
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Logger *logging.Logger
}

// Handler API 处理器
type Handler struct {
	sched   Scheduler
	reg     *registry.Registry
	store   storage.PersistentStore
	ctrl    instance.Controller
	configs RepositoryConfigs

	authCfg   auth.Config
	webhook   *webhook.Handler
	feed      *Feed
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	log       *logging.Logger
	accessLog *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = logging.Discard()
	}
	reg := d.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metrics := NewMetrics("codestat", reg)
	return &Handler{
		sched:     d.Scheduler,
		reg:       d.Registry,
		store:     d.Store,
		ctrl:      d.Controller,
		configs:   d.Configs,
		authCfg:   d.Auth,
		webhook:   webhook.NewHandler(d.Scheduler, d.Configs, d.Webhook, reg, log.Named("webhook")),
		feed:      NewFeed(d.Registry, d.Events, d.FeedInterval, metrics, log.Named("feed")),
		metrics:   metrics,
		gatherer:  d.Gatherer,
		log:       log,
		accessLog: log.Named("http"),
	}
}

// Feed 返回任务表推送器
func (h *Handler) Feed() *Feed {
	return h.feed
}

// Start 启动后台推送循环，ctx 取消后停止
func (h *Handler) Start(ctx context.Context) {
	go h.feed.Run(ctx)
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// Webhook:
//   - POST /webhook/{provider}                          - gitea / github / gitlab
//
// 任务 (Task):
//   - GET    /api/v1/tasks                              - 列出任务
//   - GET    /api/v1/tasks/{id}                         - 获取任务详情
//
// 仓库 (Repository):
//   - GET    /api/v1/repositories                       - 列出仓库
//   - GET    /api/v1/repositories/{id}                  - 获取仓库配置
//   - POST   /api/v1/repositories/{id}                  - 创建或更新仓库配置
//   - DELETE /api/v1/repositories/{id}                  - 删除仓库配置
//
// 实例 (Container):
//   - GET    /api/v1/containers                         - 列出受管实例
//   - POST   /api/v1/containers/{repository_id}/stop    - 停止活跃任务
//   - DELETE /api/v1/containers/{repository_id}         - 删除实例
//   - POST   /api/v1/containers/cleanup                 - 清理已退出实例
//
// 认证:
//   - POST   /api/v1/auth/token                         - 签发访问令牌
//
// WebSocket:
//   - GET    /ws/tasks                                  - 任务表实时推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler(h.gatherer))

	h.webhook.RegisterRoutes(mux)

	task.NewHandler(h.reg, h.store, h.log.Named("task")).RegisterRoutes(mux)
	repository.NewHandler(h.store, h.configs, h.log.Named("repository")).RegisterRoutes(mux)
	instance.NewHandler(h.ctrl, h.sched, h.reg, h.log.Named("instance")).RegisterRoutes(mux)
	auth.NewHandler(h.authCfg, h.log.Named("auth")).RegisterRoutes(mux)

	// 指标与访问日志
	apiHandler := h.metrics.MetricsMiddleware(h.accessLogMiddleware(mux))

	// 认证
	authedHandler := auth.Middleware(h.authCfg)(apiHandler)

	// CORS
	corsHandler := corsMiddleware(authedHandler)

	// 顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/tasks", h.feed.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// accessLogMiddleware 记录请求日志
func (h *Handler) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		h.accessLog.HTTPRequestLog(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

var _ TaskSource = (*registry.Registry)(nil)
