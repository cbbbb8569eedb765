package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// maxBodyBytes 单个 payload 上限
const maxBodyBytes = 5 << 20

// 处理结果，用作指标标签
const (
	outcomeAccepted     = "accepted"
	outcomeIgnored      = "ignored"
	outcomeConflict     = "conflict"
	outcomeUnauthorized = "unauthorized"
	outcomeInvalid      = "invalid"
	outcomeLimited      = "rate_limited"
	outcomeError        = "error"
)

// Submitter 任务提交方，由 *scheduler.Scheduler 实现
type Submitter interface {
	Submit(ctx context.Context, ev model.PushEvent) (*model.Task, error)
}

// RepositorySource 仓库配置来源，用于读取 webhook 密钥
type RepositorySource interface {
	GetRepository(ctx context.Context, repositoryID string) (*model.Repository, error)
}

// Options 接入配置
type Options struct {
	RateLimit float64 // 每秒请求数，<=0 表示不限流
	Burst     int
}

// Handler webhook HTTP 处理器
type Handler struct {
	submitter Submitter
	repos     RepositorySource
	limiter   *rate.Limiter
	requests  *prometheus.CounterVec
	log       *logging.Logger
}

// NewHandler 创建 webhook 处理器，reg 为 nil 时不注册指标
func NewHandler(submitter Submitter, repos RepositorySource, opts Options, reg prometheus.Registerer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Handler{
		submitter: submitter,
		repos:     repos,
		limiter:   rate.NewLimiter(limit, burst),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codestat",
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Webhook requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		log: log,
	}
}

// RegisterRoutes 注册 webhook 路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/{provider}", h.Receive)
}

// Receive 接收 push 事件
// POST /webhook/{provider}
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := model.GitProvider(r.PathValue("provider"))
	parser, err := NewParser(provider)
	if err != nil {
		h.reply(w, provider, outcomeInvalid, http.StatusNotFound, errorBody(err.Error()))
		return
	}

	if !h.limiter.Allow() {
		h.reply(w, provider, outcomeLimited, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reply(w, provider, outcomeInvalid, http.StatusBadRequest, errorBody("failed to read request body"))
		return
	}

	ev, err := parser.Parse(body)
	if err != nil {
		h.reply(w, provider, outcomeInvalid, http.StatusBadRequest, errorBody("invalid JSON payload"))
		return
	}
	if ev == nil {
		h.reply(w, provider, outcomeIgnored, http.StatusOK, ignoredBody("not a push event"))
		return
	}

	log := h.log.WithContext(r.Context()).WithRepositoryID(ev.RepositoryID())

	repo, err := h.repos.GetRepository(r.Context(), ev.RepositoryID())
	if err != nil {
		log.Error("load repository config failed", "error", err)
		h.reply(w, provider, outcomeError, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if repo != nil && repo.WebhookSecret != "" {
		sig := parser.Signature(r.Header)
		if sig == "" || !parser.Verify(body, sig, repo.WebhookSecret) {
			log.Warn("webhook signature rejected", "provider", provider)
			h.reply(w, provider, outcomeUnauthorized, http.StatusUnauthorized, errorBody("invalid webhook signature"))
			return
		}
	}

	task, err := h.submitter.Submit(r.Context(), *ev)
	switch {
	case err == nil:
		log.Info("push accepted", "task_id", task.ID, "branch", ev.Branch, "commit", ev.ShortSHA(), "pusher", ev.Pusher)
		h.reply(w, provider, outcomeAccepted, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"task_id": task.ID,
		})
	case errors.Is(err, model.ErrNotMainBranch):
		h.reply(w, provider, outcomeIgnored, http.StatusOK, ignoredBody(fmt.Sprintf("not main branch (got: %s)", ev.Branch)))
	case errors.Is(err, model.ErrRepositoryDisabled):
		h.reply(w, provider, outcomeIgnored, http.StatusOK, ignoredBody("repository disabled"))
	case model.IsConflict(err):
		var ce *model.ConflictError
		errors.As(err, &ce)
		h.reply(w, provider, outcomeConflict, http.StatusConflict, map[string]string{
			"error":   err.Error(),
			"task_id": ce.TaskID,
		})
	default:
		log.Error("submit push failed", "error", err)
		h.reply(w, provider, outcomeError, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func (h *Handler) reply(w http.ResponseWriter, provider model.GitProvider, outcome string, status int, body interface{}) {
	label := string(provider)
	if !provider.Valid() {
		label = "unknown"
	}
	h.requests.WithLabelValues(label, outcome).Inc()
	writeJSON(w, status, body)
}

func ignoredBody(reason string) map[string]string {
	return map[string]string{"status": "ignored", "reason": reason}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeJSON 写入 JSON 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
