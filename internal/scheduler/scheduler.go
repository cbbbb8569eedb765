// Package scheduler 任务调度与监控循环
//
// 任务由两个角色推进：
//   - 提交路径（Submit）：分支过滤、仓库互斥、创建 PENDING 任务，立即返回
//   - 监控循环（Reconcile）：超时判定、状态查询、终态处理
//
// 创建 / 停止 / 删除实例等慢操作交给 Worker 执行，监控循环本身不等待它们。
// 进入终态的迁移由 Registry 串行化，只有迁移成功的一方负责结果交付和 teardown。
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zihaoli-cn/codestat-agent/internal/instance"
	"github.com/zihaoli-cn/codestat-agent/internal/registry"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/internal/sink"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// 任务失败原因
const (
	MsgInstanceNotFound  = "runtime instance not found"
	MsgStoppedByOperator = "stopped by operator"
	MsgAgentRestarted    = "agent restarted before completion"
)

var (
	// ErrNoActiveTask 仓库没有活跃任务
	ErrNoActiveTask = errors.New("repository has no active task")

	// ErrAlreadyRunning 监控循环已启动
	ErrAlreadyRunning = errors.New("scheduler already running")
)

// Controller 运行实例控制器，由 *instance.Controller 实现
type Controller interface {
	EnsureSlotFree(ctx context.Context, repositoryID string) error
	Provision(ctx context.Context, req instance.ProvisionRequest) (string, error)
	Poll(ctx context.Context, instanceID string) (instance.PollResult, error)
	Stop(ctx context.Context, instanceID string) error
	FetchLogs(ctx context.Context, instanceID string, tail int) string
	ReadResult(taskID string) (json.RawMessage, error)
	Teardown(ctx context.Context, instanceID string) error
	CleanupExited(ctx context.Context, inUse func(instanceID string) bool) (int, error)
	PurgeResults(olderThan time.Duration) (int, error)
}

// ConfigSource 仓库配置来源
//
// 仓库未配置时返回 (nil, nil)，任务使用默认统计参数。
type ConfigSource interface {
	GetRepository(ctx context.Context, repositoryID string) (*model.Repository, error)
}

// Options 调度器配置
type Options struct {
	CheckInterval   time.Duration // 监控循环间隔
	DefaultTimeout  time.Duration // 全局默认任务超时
	MaxTasks        int           // 任务表上限
	Workers         int           // 慢操作并发数
	LogTailLines    int           // 失败时附带的日志行数
	MaintenanceSpec string        // 维护任务的 cron 表达式
	ResultRetention time.Duration // 结果文件保留时长
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		CheckInterval:   5 * time.Second,
		DefaultTimeout:  model.DefaultTaskTimeout,
		MaxTasks:        1000,
		Workers:         4,
		LogTailLines:    50,
		MaintenanceSpec: "@every 1m",
		ResultRetention: 24 * time.Hour,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.CheckInterval <= 0 {
		o.CheckInterval = d.CheckInterval
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = d.DefaultTimeout
	}
	if o.MaxTasks <= 0 {
		o.MaxTasks = d.MaxTasks
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.LogTailLines <= 0 {
		o.LogTailLines = d.LogTailLines
	}
	if o.MaintenanceSpec == "" {
		o.MaintenanceSpec = d.MaintenanceSpec
	}
	if o.ResultRetention <= 0 {
		o.ResultRetention = d.ResultRetention
	}
}

// Scheduler 任务调度器
type Scheduler struct {
	opts    Options
	reg     *registry.Registry
	ctrl    Controller
	configs ConfigSource
	sink    sink.Sink
	metrics *Metrics
	log     *logging.Logger

	locks  *RepoLocks
	worker *Worker
	now    func() time.Time

	// inflight 正由 Worker 处理的任务，监控循环跳过它们
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	running     atomic.Bool
	stopLoop    context.CancelFunc
	loopDone    chan struct{}
	maintenance *maintenance
}

// New 创建调度器
func New(opts Options, reg *registry.Registry, ctrl Controller, configs ConfigSource, out sink.Sink, metrics *Metrics, log *logging.Logger) *Scheduler {
	opts.applyDefaults()
	if out == nil {
		out = sink.NoOp{}
	}
	if metrics == nil {
		metrics = NewMetrics("codestat", nil)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{
		opts:     opts,
		reg:      reg,
		ctrl:     ctrl,
		configs:  configs,
		sink:     out,
		metrics:  metrics,
		log:      log,
		locks:    NewRepoLocks(),
		worker:   NewWorker(opts.Workers),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// SetClock 替换时钟（测试用）
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Registry 返回任务表
func (s *Scheduler) Registry() *registry.Registry {
	return s.reg
}

// IsRunning 监控循环是否在运行
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// ========== 提交路径 ==========

// Submit 提交 push 事件，创建 PENDING 任务并异步派发
//
// 非主分支返回 model.ErrNotMainBranch，仓库已禁用返回 model.ErrRepositoryDisabled，
// 仓库已有活跃任务返回 *model.ConflictError；这些情况都不创建任务。
func (s *Scheduler) Submit(ctx context.Context, ev model.PushEvent) (*model.Task, error) {
	repoID := ev.RepositoryID()

	repo, err := s.configs.GetRepository(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("load repository %s: %w", repoID, err)
	}
	if repo != nil && !repo.Enabled {
		s.metrics.SubmissionsTotal.WithLabelValues("disabled").Inc()
		return nil, model.ErrRepositoryDisabled
	}
	if !repo.IsMainBranch(ev.Branch) {
		s.metrics.SubmissionsTotal.WithLabelValues("ignored").Inc()
		return nil, model.ErrNotMainBranch
	}

	unlock := s.locks.Lock(repoID)
	defer unlock()

	task := &model.Task{
		ID:             newTaskID(repoID, ev.CommitSHA),
		RepositoryID:   repoID,
		RepositoryName: ev.RepositoryName,
		RepositoryURL:  ev.RepositoryURL,
		Branch:         ev.Branch,
		CommitSHA:      ev.CommitSHA,
		Status:         model.TaskStatusPending,
		CreatedAt:      s.now(),
	}
	if task.RepositoryURL == "" && repo != nil {
		task.RepositoryURL = repo.URL
	}

	if err := s.reg.InsertIfIdle(task); err != nil {
		if model.IsConflict(err) {
			s.metrics.SubmissionsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}
	s.metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()
	s.reg.Evict(s.opts.MaxTasks)

	s.log.TaskLog("submitted", repoID, task.ID, "branch", task.Branch, "commit", model.ShortSHA(task.CommitSHA))
	s.track(ctx, task)
	s.schedule(task.ID, s.dispatch)
	return task.Clone(), nil
}

// newTaskID 生成任务 ID：<repository_id>_<sha7>_<hex8>
func newTaskID(repositoryID, sha string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", repositoryID, model.ShortSHA(sha), suffix)
}

// ========== Worker 作业 ==========

// schedule 把任务交给 Worker，任务已有在途作业时忽略
func (s *Scheduler) schedule(taskID string, job func(ctx context.Context, taskID string)) bool {
	if !s.claim(taskID) {
		return false
	}
	err := s.worker.Go(func(ctx context.Context) {
		defer s.release(taskID)
		if ctx.Err() != nil {
			return
		}
		job(ctx, taskID)
	})
	if err != nil {
		s.release(taskID)
		return false
	}
	return true
}

func (s *Scheduler) claim(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[taskID]; ok {
		return false
	}
	s.inflight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, taskID)
}

func (s *Scheduler) owned(taskID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[taskID]
	return ok
}

// Wait 等待所有在途作业完成
func (s *Scheduler) Wait() {
	s.worker.Wait()
}

// dispatch 为 PENDING 任务清理槽位并创建实例
//
// 任何失败都将任务标记为 FAILED，不重试。
func (s *Scheduler) dispatch(ctx context.Context, taskID string) {
	task, ok := s.reg.Get(taskID)
	if !ok || task.Status != model.TaskStatusPending {
		return
	}
	log := s.log.WithTaskID(taskID).WithRepositoryID(task.RepositoryID)

	repo, err := s.configs.GetRepository(ctx, task.RepositoryID)
	if err != nil {
		s.fail(ctx, taskID, fmt.Sprintf("load repository config: %v", err))
		return
	}
	cfg := repo.EffectiveClocConfig()
	timeout := cfg.TimeoutDuration(s.opts.DefaultTimeout)
	if task.RepositoryURL == "" && repo != nil {
		task.RepositoryURL = repo.URL
	}

	start := time.Now()
	if err := s.ctrl.EnsureSlotFree(ctx, task.RepositoryID); err != nil {
		s.metrics.ProvisionFailures.Inc()
		s.fail(ctx, taskID, fmt.Sprintf("clear repository slot: %v", err))
		return
	}

	instanceID, err := s.ctrl.Provision(ctx, instance.ProvisionRequest{Task: task, Config: cfg})
	s.metrics.ProvisionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.ProvisionFailures.Inc()
		log.Error("provision failed", "error", err)
		s.fail(ctx, taskID, err.Error())
		return
	}

	running, err := s.reg.Transition(taskID, model.TaskStatusRunning, func(t *model.Task) {
		t.RuntimeInstanceID = instanceID
		t.Timeout = timeout
		t.RepositoryURL = task.RepositoryURL
	})
	if err != nil {
		// 任务在创建实例期间已被终止，新实例不再需要
		log.Warn("task left pending during provision, removing instance", "error", err)
		if terr := s.ctrl.Teardown(context.WithoutCancel(ctx), instanceID); terr != nil {
			log.Warn("teardown orphan instance failed", "error", terr)
		}
		return
	}

	log.WithInstanceID(instanceID).Info("task running", "timeout", timeout.String())
	s.track(ctx, running)
}

// fail 将任务标记为 FAILED 并完成交付
func (s *Scheduler) fail(ctx context.Context, taskID, msg string) {
	done, err := s.reg.Transition(taskID, model.TaskStatusFailed, func(t *model.Task) {
		t.ErrorMessage = msg
	})
	if err != nil {
		return
	}
	s.finalize(ctx, done)
}

// complete 处理已退出的实例：读取结果或日志后进入终态
func (s *Scheduler) complete(ctx context.Context, taskID string, exitCode int) {
	task, ok := s.reg.Get(taskID)
	if !ok || task.Status != model.TaskStatusRunning {
		return
	}

	to := model.TaskStatusSuccess
	var result json.RawMessage
	var msg string
	if exitCode == 0 {
		raw, err := s.ctrl.ReadResult(taskID)
		if err != nil {
			to = model.TaskStatusFailed
			msg = err.Error()
			if errors.Is(err, instance.ErrResultMissing) {
				msg = "no result file generated"
			}
		} else {
			result = raw
		}
	} else {
		to = model.TaskStatusFailed
		logs := s.ctrl.FetchLogs(ctx, task.RuntimeInstanceID, s.opts.LogTailLines)
		msg = (&model.InstanceExitError{ExitCode: exitCode, LogTail: logs}).Error()
	}

	done, err := s.reg.Transition(taskID, to, func(t *model.Task) {
		code := exitCode
		t.ExitCode = &code
		t.Result = result
		t.ErrorMessage = msg
	})
	if err != nil {
		return
	}
	s.finalize(ctx, done)
}

// expire 停止超时任务的实例并完成交付
func (s *Scheduler) expire(ctx context.Context, done *model.Task) {
	if done.RuntimeInstanceID != "" {
		if err := s.ctrl.Stop(ctx, done.RuntimeInstanceID); err != nil {
			s.log.WithTaskID(done.ID).Warn("stop timed out instance failed", "error", err)
		}
	}
	s.finalize(ctx, done)
}

// finalize 终态交付：Sink → Teardown → 清空实例 ID
//
// 只能由终态迁移成功的调用方执行一次。
func (s *Scheduler) finalize(ctx context.Context, done *model.Task) {
	log := s.log.WithTaskID(done.ID).WithRepositoryID(done.RepositoryID)
	s.metrics.observeFinished(done)

	if err := s.sink.Record(ctx, done); err != nil {
		log.Error("record task result failed", "error", err)
	}

	if done.RuntimeInstanceID != "" {
		if err := s.ctrl.Teardown(ctx, done.RuntimeInstanceID); err != nil {
			// 实例保留给维护任务清理
			log.Warn("teardown failed", "instance_id", done.RuntimeInstanceID, "error", err)
		} else {
			s.reg.ClearInstance(done.ID)
		}
	}

	attrs := []any{"status", string(done.Status), "duration", done.Duration().String()}
	if done.ErrorMessage != "" {
		attrs = append(attrs, "error", firstLine(done.ErrorMessage))
	}
	log.Info("task finished", attrs...)
}

// track 持久化非终态进度（尽力而为）
func (s *Scheduler) track(ctx context.Context, task *model.Task) {
	t, ok := s.sink.(sink.Tracker)
	if !ok {
		return
	}
	if err := t.Track(ctx, task); err != nil {
		s.log.WithTaskID(task.ID).Warn("track task progress failed", "error", err)
	}
}

// ========== 监控循环 ==========

// Reconcile 执行一轮监控
//
// 对每个 RUNNING 任务先判定超时，再查询实例状态；查询失败只记录日志，下一轮重试。
// 没有在途作业的 PENDING 任务重新派发。单个任务的处理失败不影响其他任务。
func (s *Scheduler) Reconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.metrics.ReconcileTotal.Inc()
		s.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		s.metrics.setActive(s.reg.Counts())
	}()

	for _, t := range s.reg.ByStatus(model.TaskStatusRunning) {
		if ctx.Err() != nil {
			return
		}
		if s.owned(t.ID) {
			continue
		}
		s.reconcileRunning(ctx, t)
	}

	for _, t := range s.reg.ByStatus(model.TaskStatusPending) {
		if s.owned(t.ID) {
			continue
		}
		s.schedule(t.ID, s.dispatch)
	}
}

func (s *Scheduler) reconcileRunning(ctx context.Context, t *model.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithTaskID(t.ID).Error("panic while reconciling task", "panic", fmt.Sprint(r))
		}
	}()

	// 超时优先于状态查询
	if deadline := t.Deadline(); !deadline.IsZero() && s.now().After(deadline) {
		done, err := s.reg.Transition(t.ID, model.TaskStatusTimeout, func(x *model.Task) {
			x.ErrorMessage = fmt.Sprintf("%v (%s)", model.ErrTimeoutExceeded, x.Timeout)
		})
		if err != nil {
			return
		}
		s.log.TaskLog("timeout", t.RepositoryID, t.ID, "elapsed", t.Elapsed(s.now()).Round(time.Second).String())
		s.handoff(ctx, done, s.expire)
		return
	}

	if t.RuntimeInstanceID == "" {
		s.fail(ctx, t.ID, MsgInstanceNotFound)
		return
	}

	res, err := s.ctrl.Poll(ctx, t.RuntimeInstanceID)
	if err != nil {
		s.metrics.PollErrors.Inc()
		s.log.WithTaskID(t.ID).Warn("poll instance failed, retrying next tick", "error", err)
		return
	}

	switch {
	case res.Missing:
		done, err := s.reg.Transition(t.ID, model.TaskStatusFailed, func(x *model.Task) {
			x.ErrorMessage = MsgInstanceNotFound
		})
		if err != nil {
			return
		}
		s.handoff(ctx, done, s.finalize)
	case res.Exited:
		code := res.ExitCode
		s.schedule(t.ID, func(ctx context.Context, id string) { s.complete(ctx, id, code) })
	}
}

// handoff 把已进入终态的任务交给 Worker 收尾；Worker 不可用时在当前协程执行
//
// 终态迁移已经发生，收尾不能丢失。
func (s *Scheduler) handoff(ctx context.Context, done *model.Task, fn func(ctx context.Context, done *model.Task)) {
	if s.claim(done.ID) {
		err := s.worker.Go(func(jobCtx context.Context) {
			defer s.release(done.ID)
			fn(context.WithoutCancel(jobCtx), done)
		})
		if err == nil {
			return
		}
		s.release(done.ID)
	}
	fn(context.WithoutCancel(ctx), done)
}

// Start 启动监控循环和维护任务
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	m, err := newMaintenance(s, s.opts.MaintenanceSpec)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.maintenance = m
	m.start()

	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx)

	s.log.Info("scheduler started", "check_interval", s.opts.CheckInterval.String(), "workers", s.opts.Workers)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Shutdown 停止监控循环，等待在途作业完成
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.running.CompareAndSwap(true, false) {
		s.stopLoop()
		<-s.loopDone
		if s.maintenance != nil {
			s.maintenance.stop(ctx)
		}
	}
	err := s.worker.Close(ctx)
	s.log.Info("scheduler stopped")
	return err
}

// ========== 运维操作 ==========

// StopRepository 运维停止仓库的活跃任务
//
// 先清空槽位，再把活跃任务标记为 FAILED 并同步完成交付。仓库没有活跃任务时
// 槽位仍会被清理，返回 ErrNoActiveTask。
func (s *Scheduler) StopRepository(ctx context.Context, repositoryID string) (*model.Task, error) {
	unlock := s.locks.Lock(repositoryID)
	defer unlock()

	slotErr := s.ctrl.EnsureSlotFree(ctx, repositoryID)
	if slotErr != nil {
		s.log.WithRepositoryID(repositoryID).Warn("clear slot failed", "error", slotErr)
	}

	active, ok := s.reg.ActiveFor(repositoryID)
	if !ok {
		if slotErr != nil {
			return nil, slotErr
		}
		return nil, ErrNoActiveTask
	}

	done, err := s.reg.Transition(active.ID, model.TaskStatusFailed, func(t *model.Task) {
		t.ErrorMessage = MsgStoppedByOperator
	})
	if err != nil {
		// 任务在停止期间已自行结束
		return nil, err
	}
	s.log.TaskLog("stopped", repositoryID, done.ID)
	s.finalize(ctx, done)

	got, _ := s.reg.Get(done.ID)
	if got == nil {
		got = done
	}
	return got, nil
}

// Recover 处理上次进程遗留的未完成任务
//
// 这些任务对应的实例已不受监控，统一标记为 FAILED 并清理槽位。返回处理数量。
func (s *Scheduler) Recover(ctx context.Context, stale []*model.Task) int {
	n := 0
	for _, t := range stale {
		if !t.Status.IsActive() {
			continue
		}
		if _, ok := s.reg.Get(t.ID); ok {
			continue
		}
		if err := s.reg.Insert(t); err != nil {
			continue
		}
		done, err := s.reg.Transition(t.ID, model.TaskStatusFailed, func(x *model.Task) {
			x.ErrorMessage = MsgAgentRestarted
		})
		if err != nil {
			continue
		}
		if err := s.ctrl.EnsureSlotFree(ctx, t.RepositoryID); err != nil {
			s.log.WithRepositoryID(t.RepositoryID).Warn("clear slot during recovery failed", "error", err)
		}
		s.finalize(ctx, done)
		n++
	}
	if n > 0 {
		s.log.Info("recovered stale tasks", "count", n)
	}
	return n
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
