package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// Handler 认证 HTTP 处理器
type Handler struct {
	cfg Config
	log *logging.Logger
	now func() time.Time
}

// NewHandler 创建认证处理器
func NewHandler(cfg Config, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Discard()
	}
	return &Handler{cfg: cfg, log: log, now: time.Now}
}

// RegisterRoutes 注册认证相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/token", h.Token)
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Token 管理员密码换取访问令牌
// POST /api/v1/auth/token
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled() || h.cfg.AdminPasswordHash == "" {
		writeError(w, http.StatusNotFound, "authentication is not configured")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Username != h.cfg.AdminUser || !CheckPassword(req.Password, h.cfg.AdminPasswordHash) {
		h.log.Warn("token request rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	token, expires, err := GenerateToken(h.cfg, req.Username, h.now())
	if err != nil {
		h.log.Error("generate token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.Info("token issued", "username", req.Username)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
	})
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
