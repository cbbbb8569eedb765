package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/auth"
	"github.com/zihaoli-cn/codestat-agent/internal/apiserver/instance"
	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/eventbus"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	sqlitedriver "github.com/zihaoli-cn/codestat-agent/internal/shared/storage/driver/sqlite"
	storerepo "github.com/zihaoli-cn/codestat-agent/internal/shared/storage/repository"
)

// ============================================================================
// Mock 实现
// ============================================================================

type fakeScheduler struct {
	running bool
	reg     *registry.Registry
}

func (f *fakeScheduler) Submit(_ context.Context, ev model.PushEvent) (*model.Task, error) {
	t := &model.Task{
		ID:           ev.RepositoryID() + "_" + ev.ShortSHA() + "_00000000",
		RepositoryID: ev.RepositoryID(),
		Status:       model.TaskStatusPending,
		CreatedAt:    time.Now(),
	}
	if err := f.reg.InsertIfIdle(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *fakeScheduler) StopRepository(_ context.Context, repoID string) (*model.Task, error) {
	return &model.Task{RepositoryID: repoID, Status: model.TaskStatusFailed}, nil
}

func (f *fakeScheduler) IsRunning() bool { return f.running }

type fakeController struct{}

func (fakeController) List(context.Context) ([]runtime.InstanceStatus, error) {
	return []runtime.InstanceStatus{}, nil
}

func (fakeController) Remove(context.Context, string) error { return nil }

func (fakeController) CleanupExited(context.Context, func(string) bool) (int, error) {
	return 0, nil
}

// breakerController 附带熔断器状态的控制器
type breakerController struct {
	fakeController
	state string
}

func (b breakerController) BreakerState() string { return b.state }

type storeConfigs struct {
	store *storerepo.Store
}

func (c storeConfigs) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	return c.store.GetRepository(ctx, id)
}

func (c storeConfigs) Invalidate(context.Context, string) {}

type testEnv struct {
	handler *Handler
	router  http.Handler
	store   *storerepo.Store
	reg     *registry.Registry
	events  *eventbus.MemoryEventBus
}

func newTestEnv(t *testing.T, authCfg auth.Config) *testEnv {
	t.Helper()
	return newTestEnvWith(t, authCfg, fakeController{})
}

func newTestEnvWith(t *testing.T, authCfg auth.Config, ctrl instance.Controller) *testEnv {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := storerepo.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	events := eventbus.NewMemoryEventBus()
	t.Cleanup(func() { events.Close() })

	promReg := prometheus.NewRegistry()
	h := NewHandler(Deps{
		Scheduler:    &fakeScheduler{running: true, reg: reg},
		Registry:     reg,
		Store:        store,
		Controller:   ctrl,
		Configs:      storeConfigs{store: store},
		Events:       events,
		Auth:         authCfg,
		FeedInterval: 20 * time.Millisecond,
		Registerer:   promReg,
		Gatherer:     promReg,
	})
	return &testEnv{handler: h, router: h.Router(), store: store, reg: reg, events: events}
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// 测试
// ============================================================================

// TestHealth 健康检查
func TestHealth(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())

	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","scheduler":"running","database":"connected"}`, w.Body.String())

	require.NoError(t, env.store.Close())
	w = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"disconnected"`)
}

// TestHealth_RuntimeBreaker 健康检查附带引擎熔断器状态
func TestHealth_RuntimeBreaker(t *testing.T) {
	env := newTestEnvWith(t, auth.DefaultConfig(), breakerController{state: "open"})

	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","scheduler":"running","database":"connected","runtime":"open"}`, w.Body.String())
}

// TestRouter_EndToEnd webhook 提交后可通过任务接口查询
func TestRouter_EndToEnd(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())

	push := `{"ref":"refs/heads/main","after":"0123456789abcdef","repository":{"clone_url":"https://g/a/b.git","full_name":"a/b"}}`
	w := env.do(http.MethodPost, "/webhook/gitea", push, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	taskID := accepted["task_id"]
	assert.Equal(t, "a_b_0123456_00000000", taskID)

	// 同一仓库已有活跃任务
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/webhook/gitea", push, nil).Code)

	w = env.do(http.MethodGet, "/api/v1/tasks/"+taskID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	w = env.do(http.MethodGet, "/api/v1/tasks?repository_id=a_b", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/containers", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/repositories", "", nil).Code)
}

// TestRouter_CORS 预检请求
func TestRouter_CORS(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())
	w := env.do(http.MethodOptions, "/api/v1/tasks", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// TestRouter_Auth 启用认证后 /api/v1 需要令牌，webhook 与健康检查不受影响
func TestRouter_Auth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := auth.DefaultConfig()
	cfg.JWTSecret = "secret"
	cfg.AdminPasswordHash = string(hash)
	env := newTestEnv(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/api/v1/tasks", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/webhook/gitea", `{"ref":"refs/tags/v1"}`, nil).Code)

	w := env.do(http.MethodPost, "/api/v1/auth/token", `{"username":"admin","password":"hunter22"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tok))

	w = env.do(http.MethodGet, "/api/v1/tasks", "", map[string]string{"Authorization": "Bearer " + tok.AccessToken})
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestRouter_Metrics 请求指标写入独立注册表
func TestRouter_Metrics(t *testing.T) {
	env := newTestEnv(t, auth.DefaultConfig())
	env.do(http.MethodGet, "/api/v1/tasks/some-task", "", nil)

	w := env.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `codestat_http_requests_total{method="GET",path="/api/v1/tasks/{id}",status="404"} 1`)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/tasks", "/api/v1/tasks"},
		{"/api/v1/tasks/team_app_0123456_ab12cd34", "/api/v1/tasks/{id}"},
		{"/api/v1/repositories/team_app", "/api/v1/repositories/{id}"},
		{"/api/v1/containers/cleanup", "/api/v1/containers/cleanup"},
		{"/api/v1/containers/team_app/stop", "/api/v1/containers/{id}/stop"},
		{"/webhook/gitea", "/webhook/gitea"},
		{"/webhook/random", "/webhook/{provider}"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
