package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// healthTimeout 健康检查中数据库探测的超时时间
const healthTimeout = 2 * time.Second

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

type healthResponse struct {
	Status    string `json:"status"`
	Scheduler string `json:"scheduler"`
	Database  string `json:"database"`
	Runtime   string `json:"runtime,omitempty"` // 引擎熔断器状态
}

// breakerReporter 可报告熔断器状态的控制器，由 *instance.Controller 实现
type breakerReporter interface {
	BreakerState() string
}

// Health 健康检查
//
// 数据库不可用时返回 503。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Scheduler: "stopped",
		Database:  "connected",
	}
	if h.sched.IsRunning() {
		resp.Scheduler = "running"
	}
	if b, ok := h.ctrl.(breakerReporter); ok {
		resp.Runtime = b.BreakerState()
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("health check database ping failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
