package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zihaoli-cn/codestat-agent/internal/instance"
	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
	"github.com/zihaoli-cn/codestat-agent/internal/runtime/fake"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// ========== 测试夹具 ==========

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memConfigs struct {
	mu    sync.Mutex
	repos map[string]*model.Repository
}

func (m *memConfigs) GetRepository(ctx context.Context, id string) (*model.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *memConfigs) put(r *model.Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[r.ID] = r
}

type recordingSink struct {
	mu      sync.Mutex
	records []*model.Task
	tracks  []*model.Task
}

func (r *recordingSink) Record(ctx context.Context, t *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, t.Clone())
	return nil
}

func (r *recordingSink) Track(ctx context.Context, t *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t.Clone())
	return nil
}

func (r *recordingSink) recorded(taskID string) []*model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Task
	for _, t := range r.records {
		if t.ID == taskID {
			out = append(out, t)
		}
	}
	return out
}

// countingController 统计 Teardown 调用次数
type countingController struct {
	*instance.Controller
	mu        sync.Mutex
	teardowns map[string]int
}

func (c *countingController) Teardown(ctx context.Context, id string) error {
	c.mu.Lock()
	c.teardowns[id]++
	c.mu.Unlock()
	return c.Controller.Teardown(ctx, id)
}

func (c *countingController) teardownCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardowns[id]
}

type harness struct {
	s       *Scheduler
	reg     *registry.Registry
	engine  *fake.Engine
	ctrl    *countingController
	configs *memConfigs
	sink    *recordingSink
	clock   *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, instance.Options{StopGrace: time.Second})
}

func newHarnessWith(t *testing.T, opts Options, ctrlOpts instance.Options) *harness {
	t.Helper()
	engine := fake.New()
	ctrlOpts.DataDir = t.TempDir()
	ctrl, err := instance.New(engine, ctrlOpts, logging.Discard())
	require.NoError(t, err)

	h := &harness{
		engine:  engine,
		ctrl:    &countingController{Controller: ctrl, teardowns: map[string]int{}},
		configs: &memConfigs{repos: map[string]*model.Repository{}},
		sink:    &recordingSink{},
		clock:   &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		reg:     registry.New(),
	}
	h.reg.SetClock(h.clock.now)

	if opts.CheckInterval == 0 {
		opts.CheckInterval = time.Hour
	}
	h.s = New(opts, h.reg, h.ctrl, h.configs, h.sink, NewMetrics("test", prometheus.NewRegistry()), logging.Discard())
	h.s.SetClock(h.clock.now)
	t.Cleanup(func() { _ = h.s.Shutdown(context.Background()) })
	return h
}

func push(repo, branch, sha string) model.PushEvent {
	return model.PushEvent{
		Provider:       model.ProviderGitea,
		RepositoryName: repo,
		RepositoryURL:  "https://git.example.com/" + repo + ".git",
		Branch:         branch,
		CommitSHA:      sha,
	}
}

// submitRunning 提交任务并等待其进入 RUNNING
func (h *harness) submitRunning(t *testing.T, repo string) *model.Task {
	t.Helper()
	task, err := h.s.Submit(context.Background(), push(repo, "main", "abc1234567"))
	require.NoError(t, err)
	h.s.Wait()
	got, ok := h.reg.Get(task.ID)
	require.True(t, ok)
	require.Equal(t, model.TaskStatusRunning, got.Status, got.ErrorMessage)
	return got
}

func (h *harness) get(t *testing.T, id string) *model.Task {
	t.Helper()
	got, ok := h.reg.Get(id)
	require.True(t, ok)
	return got
}

// ========== 提交路径 ==========

// TestSubmit_SuccessLifecycle PENDING → RUNNING → SUCCESS
func TestSubmit_SuccessLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	task, err := h.s.Submit(ctx, push("org/r1", "main", "abc1234567"))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)
	assert.Equal(t, "org_r1", task.RepositoryID)
	assert.Regexp(t, `^org_r1_abc1234_[0-9a-f]{8}$`, task.ID)

	h.s.Wait()
	running := h.get(t, task.ID)
	require.Equal(t, model.TaskStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	require.NotEmpty(t, running.RuntimeInstanceID)
	assert.Equal(t, model.DefaultTaskTimeout, running.Timeout)
	instanceID := running.RuntimeInstanceID

	// 未退出时保持 RUNNING
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Equal(t, model.TaskStatusRunning, h.get(t, task.ID).Status)

	require.NoError(t, os.WriteFile(h.ctrl.ResultPath(task.ID), []byte(`{"Go":{"code":120}}`), 0o644))
	h.engine.Exit(instanceID, 0, "")
	h.s.Reconcile(ctx)
	h.s.Wait()

	done := h.get(t, task.ID)
	assert.Equal(t, model.TaskStatusSuccess, done.Status)
	assert.JSONEq(t, `{"Go":{"code":120}}`, string(done.Result))
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.FinishedAt)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Empty(t, done.RuntimeInstanceID)

	assert.Len(t, h.sink.recorded(task.ID), 1)
	assert.Equal(t, 1, h.ctrl.teardownCount(instanceID))
	assert.Equal(t, 0, h.engine.Len())

	// 再跑一轮不会重复交付
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Len(t, h.sink.recorded(task.ID), 1)
}

// TestSubmit_BranchFilter 非主分支不创建任务
func TestSubmit_BranchFilter(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.s.Submit(ctx, push("org/r1", "develop", "abc1234"))
	assert.ErrorIs(t, err, model.ErrNotMainBranch)

	h.configs.put(&model.Repository{ID: "org_r2", MainBranch: "trunk", Enabled: true})
	_, err = h.s.Submit(ctx, push("org/r2", "main", "abc1234"))
	assert.ErrorIs(t, err, model.ErrNotMainBranch)
	_, err = h.s.Submit(ctx, push("org/r2", "trunk", "abc1234"))
	assert.NoError(t, err)

	_, err = h.s.Submit(ctx, push("org/r3", "master", "abc1234"))
	assert.NoError(t, err)

	h.s.Wait()
	assert.Equal(t, 2, h.reg.Len())
}

// TestSubmit_Disabled 已禁用仓库不创建任务
func TestSubmit_Disabled(t *testing.T) {
	h := newHarness(t, Options{})
	h.configs.put(&model.Repository{ID: "org_r1", Enabled: false})

	_, err := h.s.Submit(context.Background(), push("org/r1", "main", "abc1234"))
	assert.ErrorIs(t, err, model.ErrRepositoryDisabled)
	assert.Equal(t, 0, h.reg.Len())
}

// TestSubmit_Conflict 活跃任务存在时拒绝新提交
func TestSubmit_Conflict(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.submitRunning(t, "org/r1")

	_, err := h.s.Submit(context.Background(), push("org/r1", "main", "def5678"))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	var ce *model.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.TaskID)

	active := h.reg.List(registry.Filter{RepositoryID: "org_r1"})
	assert.Len(t, active, 1)
}

// TestSubmit_ConcurrentSameRepository 并发提交只有一个被接受
func TestSubmit_ConcurrentSameRepository(t *testing.T) {
	h := newHarness(t, Options{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, conflicts := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.s.Submit(context.Background(), push("org/r1", "main", fmt.Sprintf("%040d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
			} else if model.IsConflict(err) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()
	h.s.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 19, conflicts)
	assert.Equal(t, 1, h.engine.Len())
}

// TestSubmit_UsesRepositoryConfig 派发时读取仓库配置
func TestSubmit_UsesRepositoryConfig(t *testing.T) {
	h := newHarness(t, Options{})
	h.configs.put(&model.Repository{
		ID:         "org_r1",
		URL:        "https://mirror.example.com/org/r1.git",
		Enabled:    true,
		ClocConfig: &model.ClocConfig{ExcludeLang: []string{"JSON"}, Timeout: 30},
	})

	ev := push("org/r1", "main", "abc1234")
	ev.RepositoryURL = ""
	task, err := h.s.Submit(context.Background(), ev)
	require.NoError(t, err)
	h.s.Wait()

	got := h.get(t, task.ID)
	assert.Equal(t, 30*time.Second, got.Timeout)
	assert.Equal(t, "https://mirror.example.com/org/r1.git", got.RepositoryURL)

	c, ok := h.engine.Get(got.RuntimeInstanceID)
	require.True(t, ok)
	assert.Equal(t, "--exclude-lang JSON --json", c.Config.Env["CLOC_ARGS"])
	assert.Equal(t, "https://mirror.example.com/org/r1.git", c.Config.Env["REPO_URL"])
}

// TestSubmit_ReplacesStaleInstance 新任务前清理同槽位的旧实例
func TestSubmit_ReplacesStaleInstance(t *testing.T) {
	h := newHarness(t, Options{})
	stale := h.engine.Put("codestat-org_r1", runtime.StateExited)

	running := h.submitRunning(t, "org/r1")
	assert.NotEqual(t, stale, running.RuntimeInstanceID)
	assert.Contains(t, h.engine.Removes(), stale)
	assert.Equal(t, 1, h.engine.Len())
}

// ========== 派发失败 ==========

// TestDispatch_ProvisionFailure 创建失败直接 FAILED，不重试
func TestDispatch_ProvisionFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.ImageMissing = true

	task, err := h.s.Submit(context.Background(), push("org/r1", "main", "abc1234"))
	require.NoError(t, err)
	h.s.Wait()

	got := h.get(t, task.ID)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "worker image missing")
	assert.Nil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	h.s.Reconcile(context.Background())
	h.s.Wait()
	assert.Len(t, h.sink.recorded(task.ID), 1)
	assert.Equal(t, 0, h.engine.Len())

	// 下一次 push 独立重试
	h.engine.ImageMissing = false
	h.submitRunning(t, "org/r1")
}

// ========== 监控循环 ==========

// TestReconcile_Timeout 超过超时时间后 TIMEOUT，实例被停止并删除
func TestReconcile_Timeout(t *testing.T) {
	h := newHarness(t, Options{DefaultTimeout: 600 * time.Second})
	ctx := context.Background()
	running := h.submitRunning(t, "org/r2")
	instanceID := running.RuntimeInstanceID

	h.clock.advance(599 * time.Second)
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Equal(t, model.TaskStatusRunning, h.get(t, running.ID).Status)

	// 查询失败不影响超时判定
	h.engine.SetInspectErr(errors.New("daemon busy"))
	h.clock.advance(2 * time.Second)
	h.s.Reconcile(ctx)
	assert.Equal(t, model.TaskStatusTimeout, h.get(t, running.ID).Status)
	h.s.Wait()

	done := h.get(t, running.ID)
	assert.Equal(t, model.TaskStatusTimeout, done.Status)
	assert.Contains(t, done.ErrorMessage, "timeout")
	assert.Contains(t, h.engine.Stops(), instanceID)
	assert.Contains(t, h.engine.Removes(), instanceID)
	assert.Equal(t, 1, h.ctrl.teardownCount(instanceID))
	assert.Len(t, h.sink.recorded(running.ID), 1)

	// 超时后实例退出也不会改变终态
	h.engine.SetInspectErr(nil)
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Equal(t, model.TaskStatusTimeout, h.get(t, running.ID).Status)
}

// TestReconcile_NonZeroExit 非零退出码 FAILED 并附带日志尾部
func TestReconcile_NonZeroExit(t *testing.T) {
	h := newHarness(t, Options{LogTailLines: 2})
	running := h.submitRunning(t, "org/r1")

	h.engine.Exit(running.RuntimeInstanceID, 1, "cloning...\nfetching\nfatal: repository not found\n")
	h.s.Reconcile(context.Background())
	h.s.Wait()

	done := h.get(t, running.ID)
	assert.Equal(t, model.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "code 1")
	assert.Contains(t, done.ErrorMessage, "fatal: repository not found")
	assert.NotContains(t, done.ErrorMessage, "cloning")
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 1, *done.ExitCode)
	assert.Nil(t, done.Result)
	assert.Equal(t, 1, h.ctrl.teardownCount(running.RuntimeInstanceID))
}

// TestReconcile_HungLogFetch 日志读取挂起不会让任务越过超时仍停留在 RUNNING
func TestReconcile_HungLogFetch(t *testing.T) {
	h := newHarnessWith(t, Options{}, instance.Options{
		StopGrace:   time.Second,
		CallTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	running := h.submitRunning(t, "org/r1")

	h.engine.SetBlockLogs(true)
	h.engine.Exit(running.RuntimeInstanceID, 1, "fatal\n")
	h.s.Reconcile(ctx)

	h.clock.advance(700 * time.Second)
	for i := 0; i < 3; i++ {
		h.s.Reconcile(ctx)
	}

	require.Eventually(t, func() bool {
		return h.get(t, running.ID).Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	h.s.Wait()

	done := h.get(t, running.ID)
	assert.Equal(t, model.TaskStatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "code 1")
	assert.Len(t, h.sink.recorded(running.ID), 1)
	_, active := h.reg.ActiveFor(running.RepositoryID)
	assert.False(t, active)
}

// TestReconcile_MissingResult 退出码 0 但没有结果文件
func TestReconcile_MissingResult(t *testing.T) {
	h := newHarness(t, Options{})
	running := h.submitRunning(t, "org/r1")

	h.engine.Exit(running.RuntimeInstanceID, 0, "")
	h.s.Reconcile(context.Background())
	h.s.Wait()

	done := h.get(t, running.ID)
	assert.Equal(t, model.TaskStatusFailed, done.Status)
	assert.Equal(t, "no result file generated", done.ErrorMessage)
}

// TestReconcile_InstanceMissing 实例消失时 FAILED
func TestReconcile_InstanceMissing(t *testing.T) {
	h := newHarness(t, Options{})
	running := h.submitRunning(t, "org/r1")

	h.engine.Vanish(running.RuntimeInstanceID)
	h.s.Reconcile(context.Background())
	h.s.Wait()

	done := h.get(t, running.ID)
	assert.Equal(t, model.TaskStatusFailed, done.Status)
	assert.Equal(t, MsgInstanceNotFound, done.ErrorMessage)
	assert.Len(t, h.sink.recorded(running.ID), 1)
}

// TestReconcile_PollTransient 查询失败保持 RUNNING，下一轮继续
func TestReconcile_PollTransient(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	running := h.submitRunning(t, "org/r1")

	h.engine.SetInspectErr(errors.New("connection reset"))
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Equal(t, model.TaskStatusRunning, h.get(t, running.ID).Status)

	h.engine.SetInspectErr(nil)
	require.NoError(t, os.WriteFile(h.ctrl.ResultPath(running.ID), []byte(`{}`), 0o644))
	h.engine.Exit(running.RuntimeInstanceID, 0, "")
	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Equal(t, model.TaskStatusSuccess, h.get(t, running.ID).Status)
}

// TestReconcile_IsolatesRepositories 不同仓库互不影响
func TestReconcile_IsolatesRepositories(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.submitRunning(t, "org/a")
	b := h.submitRunning(t, "org/b")

	h.engine.Exit(a.RuntimeInstanceID, 2, "boom")
	h.s.Reconcile(context.Background())
	h.s.Wait()

	assert.Equal(t, model.TaskStatusFailed, h.get(t, a.ID).Status)
	assert.Equal(t, model.TaskStatusRunning, h.get(t, b.ID).Status)

	// a 结束后可以再次提交
	h.submitRunning(t, "org/a")
}

// TestReconcile_StatusSequence 观察到的状态序列是合法前缀
func TestReconcile_StatusSequence(t *testing.T) {
	h := newHarness(t, Options{})
	running := h.submitRunning(t, "org/r1")
	h.engine.Exit(running.RuntimeInstanceID, 0, "")
	h.s.Reconcile(context.Background())
	h.s.Wait()

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	var seq []model.TaskStatus
	for _, tr := range h.sink.tracks {
		if tr.ID == running.ID {
			seq = append(seq, tr.Status)
		}
	}
	for _, r := range h.sink.records {
		if r.ID == running.ID {
			seq = append(seq, r.Status)
		}
	}
	assert.Equal(t, []model.TaskStatus{model.TaskStatusPending, model.TaskStatusRunning, model.TaskStatusFailed}, seq)
}

// ========== 运维操作 ==========

// TestStopRepository 运维停止：清空槽位并 FAILED
func TestStopRepository(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	running := h.submitRunning(t, "org/r1")

	stopped, err := h.s.StopRepository(ctx, "org_r1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stopped.Status)
	assert.Equal(t, MsgStoppedByOperator, stopped.ErrorMessage)
	assert.Equal(t, 0, h.engine.Len())
	assert.Len(t, h.sink.recorded(running.ID), 1)

	_, err = h.s.StopRepository(ctx, "org_r1")
	assert.ErrorIs(t, err, ErrNoActiveTask)

	h.s.Reconcile(ctx)
	h.s.Wait()
	assert.Len(t, h.sink.recorded(running.ID), 1)
}

// TestStopRepository_Pending 启动前被停止的任务直接 FAILED
func TestStopRepository_Pending(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.reg.Insert(&model.Task{ID: "t1", RepositoryID: "org_r1", Status: model.TaskStatusPending}))

	stopped, err := h.s.StopRepository(context.Background(), "org_r1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, stopped.Status)
	assert.Nil(t, stopped.StartedAt)
}

// TestRecover 上次进程遗留的任务标记为 FAILED
func TestRecover(t *testing.T) {
	h := newHarness(t, Options{})
	leftover := h.engine.Put("codestat-org_r1", runtime.StateRunning)
	started := h.clock.now().Add(-time.Minute)

	stale := []*model.Task{
		{ID: "t1", RepositoryID: "org_r1", Status: model.TaskStatusRunning, StartedAt: &started, RuntimeInstanceID: leftover},
		{ID: "t2", RepositoryID: "org_r2", Status: model.TaskStatusPending},
		{ID: "t3", RepositoryID: "org_r3", Status: model.TaskStatusSuccess},
	}
	n := h.s.Recover(context.Background(), stale)
	assert.Equal(t, 2, n)

	for _, id := range []string{"t1", "t2"} {
		got := h.get(t, id)
		assert.Equal(t, model.TaskStatusFailed, got.Status)
		assert.Equal(t, MsgAgentRestarted, got.ErrorMessage)
		assert.Len(t, h.sink.recorded(id), 1)
	}
	_, ok := h.reg.Get("t3")
	assert.False(t, ok)
	assert.Equal(t, 0, h.engine.Len())

	// 恢复后仓库可以重新提交
	h.submitRunning(t, "org/r1")
}

// TestMaintain 维护任务：淘汰与清理
func TestMaintain(t *testing.T) {
	h := newHarness(t, Options{MaxTasks: 2})
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, h.reg.Insert(&model.Task{ID: id, RepositoryID: id, Status: model.TaskStatusPending}))
		h.clock.advance(time.Second)
		_, err := h.reg.Transition(id, model.TaskStatusFailed, nil)
		require.NoError(t, err)
	}
	h.engine.Put("codestat-orphan", runtime.StateExited)
	running := h.submitRunning(t, "org/live")
	h.engine.Exit(running.RuntimeInstanceID, 0, "")

	h.s.Maintain(context.Background())

	assert.LessOrEqual(t, h.reg.Len(), 2)
	_, ok := h.reg.Get(running.ID)
	assert.True(t, ok, "active task must survive eviction")

	// 仍属于 RUNNING 任务的已退出实例保留给监控循环
	_, ok = h.engine.Get(running.RuntimeInstanceID)
	assert.True(t, ok)
	_, ok = h.engine.Get("codestat-orphan")
	assert.False(t, ok)
}

// TestStartShutdown 监控循环自动推进任务
func TestStartShutdown(t *testing.T) {
	h := newHarness(t, Options{CheckInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	assert.True(t, h.s.IsRunning())
	assert.ErrorIs(t, h.s.Start(ctx), ErrAlreadyRunning)

	task, err := h.s.Submit(ctx, push("org/r1", "main", "abc1234"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, _ := h.reg.Get(task.ID)
		return got != nil && got.Status == model.TaskStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := h.reg.Get(task.ID)
	require.NoError(t, os.WriteFile(h.ctrl.ResultPath(task.ID), []byte(`{"SUM":{}}`), 0o644))
	h.engine.Exit(got.RuntimeInstanceID, 0, "")

	assert.Eventually(t, func() bool {
		got, _ := h.reg.Get(task.ID)
		return got != nil && got.Status == model.TaskStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.s.Shutdown(ctx))
	assert.False(t, h.s.IsRunning())
}
