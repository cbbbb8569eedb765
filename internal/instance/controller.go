// Package instance 运行实例控制器
//
// 一个任务对应一个容器，容器按仓库占用槽位（名称 <prefix><repository_id>）：
//   - Provision：创建并启动绑定任务参数的新容器，施加固定资源限制
//   - EnsureSlotFree：清理同一槽位上的旧容器，容器从不复用
//   - Poll：非阻塞状态查询
//   - FetchLogs / ReadResult：收集诊断日志与结果文件
//   - Teardown：删除容器，幂等
//
// 仓库的磁盘工作区 (data/repos/<repository_id>) 跨任务保留，用于增量拉取。
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
	"github.com/zihaoli-cn/codestat-agent/pkg/logging"
)

// 容器标签
const (
	LabelManaged      = "codestat.managed"
	LabelRepositoryID = "codestat.repository_id"
	LabelTaskID       = "codestat.task_id"
)

// 容器内挂载路径
const (
	containerRepoDir    = "/workspace/repo"
	containerResultsDir = "/workspace/results"
)

var (
	// ErrResultMissing 结果文件不存在
	ErrResultMissing = errors.New("no result file generated")

	// ErrResultInvalid 结果文件不是合法 JSON
	ErrResultInvalid = errors.New("result file is not valid JSON")
)

// Options 控制器配置
type Options struct {
	Image         string        // worker 镜像
	Network       string        // 容器网络，为空使用默认网络
	DataDir       string        // 数据目录（repos/ 与 results/ 的父目录）
	NamePrefix    string        // 槽位名前缀
	MemoryLimitMB int64         // 内存上限（MB）
	CPULimit      float64       // CPU 核数
	StopGrace     time.Duration // 停止容器的等待时间
	PollTimeout   time.Duration // 单次状态查询的超时
	CallTimeout   time.Duration // 日志、停止、删除等其他引擎调用的超时（停止另加 StopGrace）

	BreakerFailures uint32        // 连续失败多少次后熔断
	BreakerTimeout  time.Duration // 熔断持续时间
}

// DefaultOptions 默认配置
func DefaultOptions() Options {
	return Options{
		Image:           "codestat-worker:latest",
		Network:         "codestat-network",
		DataDir:         "./data",
		NamePrefix:      "codestat-",
		MemoryLimitMB:   512,
		CPULimit:        0.5,
		StopGrace:       10 * time.Second,
		PollTimeout:     3 * time.Second,
		CallTimeout:     30 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Image == "" {
		o.Image = d.Image
	}
	if o.DataDir == "" {
		o.DataDir = d.DataDir
	}
	if o.NamePrefix == "" {
		o.NamePrefix = d.NamePrefix
	}
	if o.MemoryLimitMB <= 0 {
		o.MemoryLimitMB = d.MemoryLimitMB
	}
	if o.CPULimit <= 0 {
		o.CPULimit = d.CPULimit
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = d.PollTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = d.BreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = d.BreakerTimeout
	}
}

// ProvisionRequest 创建实例所需的任务参数快照
type ProvisionRequest struct {
	Task   *model.Task
	Config model.ClocConfig
}

// PollResult 单次状态查询结果
type PollResult struct {
	Running  bool // 仍在运行（或尚未结束）
	Exited   bool // 已退出，ExitCode 有效
	ExitCode int
	Missing  bool // 实例已不存在
}

// Controller 运行实例控制器
type Controller struct {
	engine  runtime.Engine
	opts    Options
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger

	reposDir   string
	resultsDir string
}

// New 创建控制器
func New(engine runtime.Engine, opts Options, log *logging.Logger) (*Controller, error) {
	opts.applyDefaults()
	if log == nil {
		log = logging.Discard()
	}

	// 绑定挂载要求宿主机绝对路径
	dataDir, err := filepath.Abs(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	opts.DataDir = dataDir

	c := &Controller{
		engine:     engine,
		opts:       opts,
		log:        log,
		reposDir:   filepath.Join(dataDir, "repos"),
		resultsDir: filepath.Join(dataDir, "results"),
	}
	for _, dir := range []string{c.reposDir, c.resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "runtime-engine",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: engineHealthy,
	})
	return c, nil
}

// engineHealthy 只有引擎本身不可用才计入熔断失败
func engineHealthy(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, runtime.ErrNotFound),
		errors.Is(err, runtime.ErrConflict),
		errors.Is(err, runtime.ErrImageNotFound),
		errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// do 通过熔断器执行引擎调用
func (c *Controller) do(fn func() error) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// bounded 为单次引擎调用设置超时，引擎挂起时调用方不会无限等待
func (c *Controller) bounded(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CallTimeout+extra)
}

// SlotName 返回仓库的槽位名
func (c *Controller) SlotName(repositoryID string) string {
	return c.opts.NamePrefix + repositoryID
}

// ResultPath 返回任务结果文件的宿主机路径
func (c *Controller) ResultPath(taskID string) string {
	return filepath.Join(c.resultsDir, taskID+".json")
}

// RepoDir 返回仓库工作区的宿主机路径
func (c *Controller) RepoDir(repositoryID string) string {
	return filepath.Join(c.reposDir, repositoryID)
}

// Engine 返回底层引擎名称
func (c *Controller) Engine() string {
	return c.engine.Name()
}

// BreakerState 返回熔断器状态（closed / half-open / open）
func (c *Controller) BreakerState() string {
	return c.breaker.State().String()
}

// Ping 检查引擎连通性
func (c *Controller) Ping(ctx context.Context) error {
	return c.do(func() error { return c.engine.Ping(ctx) })
}

// Provision 为任务创建并启动新实例，返回实例 ID
//
// 调用前必须先 EnsureSlotFree；槽位仍被占用时返回 *model.ConflictError。
func (c *Controller) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	task := req.Task
	fail := func(reason string, err error) error {
		return &model.ProvisionError{TaskID: task.ID, Reason: reason, Err: err}
	}

	if err := c.do(func() error { return c.engine.Ping(ctx) }); err != nil {
		return "", fail("runtime engine unreachable", err)
	}

	var exists bool
	err := c.do(func() error {
		var ierr error
		exists, ierr = c.engine.ImageExists(ctx, c.opts.Image)
		return ierr
	})
	if err != nil {
		return "", fail("check worker image", err)
	}
	if !exists {
		return "", fail("worker image missing", fmt.Errorf("%w: %s", runtime.ErrImageNotFound, c.opts.Image))
	}

	repoDir := c.RepoDir(task.RepositoryID)
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return "", fail("prepare workspace", err)
	}
	if err := os.MkdirAll(c.resultsDir, 0o755); err != nil {
		return "", fail("prepare results dir", err)
	}
	// 同名结果文件来自其他进程或残留，先删除，避免误读
	if err := os.Remove(c.ResultPath(task.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fail("clear stale result", err)
	}

	cfg := c.instanceConfig(task, req.Config, repoDir)

	var inst *runtime.Instance
	err = c.do(func() error {
		var cerr error
		inst, cerr = c.engine.Create(ctx, cfg)
		return cerr
	})
	if err != nil {
		if errors.Is(err, runtime.ErrConflict) {
			return "", &model.ConflictError{RepositoryID: task.RepositoryID}
		}
		return "", fail("create instance", err)
	}

	if err := c.do(func() error { return c.engine.Start(ctx, inst.ID) }); err != nil {
		// 启动失败的实例立即删除，槽位不留残骸
		if rerr := c.do(func() error { return c.engine.Remove(context.WithoutCancel(ctx), inst.ID, true) }); rerr != nil && !errors.Is(rerr, runtime.ErrNotFound) {
			c.log.Warn("remove unstarted instance failed", "instance_id", shortID(inst.ID), "error", rerr)
		}
		return "", fail("start instance", err)
	}

	c.log.Info("instance started",
		"task_id", task.ID,
		"repository_id", task.RepositoryID,
		"instance_id", shortID(inst.ID),
		"name", inst.Name,
	)
	return inst.ID, nil
}

func (c *Controller) instanceConfig(task *model.Task, cloc model.ClocConfig, repoDir string) *runtime.InstanceConfig {
	useGitignore := "0"
	if cloc.GitignoreEnabled() {
		useGitignore = "1"
	}

	return &runtime.InstanceConfig{
		Name:  c.SlotName(task.RepositoryID),
		Image: c.opts.Image,
		Env: map[string]string{
			"REPO_URL":      task.RepositoryURL,
			"REPO_NAME":     task.RepositoryName,
			"BRANCH":        task.Branch,
			"COMMIT_SHA":    task.CommitSHA,
			"TASK_ID":       task.ID,
			"RESULT_PATH":   containerResultsDir + "/" + task.ID + ".json",
			"CLOC_ARGS":     strings.Join(cloc.Args(), " "),
			"USE_GITIGNORE": useGitignore,
		},
		Mounts: []runtime.Mount{
			{Source: repoDir, Target: containerRepoDir},
			{Source: c.resultsDir, Target: containerResultsDir},
		},
		Resources: &runtime.ResourceConfig{
			CPULimit:    c.opts.CPULimit,
			MemoryLimit: c.opts.MemoryLimitMB * 1024 * 1024,
		},
		Network: c.opts.Network,
		Labels: map[string]string{
			LabelManaged:      "true",
			LabelRepositoryID: task.RepositoryID,
			LabelTaskID:       task.ID,
		},
	}
}

// EnsureSlotFree 清空仓库槽位
//
// 存活的实例先在 StopGrace 内停止再强制删除；已退出的直接删除；不存在时什么也不做。
func (c *Controller) EnsureSlotFree(ctx context.Context, repositoryID string) error {
	name := c.SlotName(repositoryID)

	status, err := c.inspectSlot(ctx, name)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect slot %s: %w", name, err)
	}

	if status.State.Alive() || status.State == runtime.StateCreated {
		err := c.Stop(ctx, status.ID)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			// 停止失败仍然尝试强制删除
			c.log.Warn("stop stale instance failed", "instance_id", shortID(status.ID), "error", err)
		}
	}

	if err := c.Teardown(ctx, status.ID); err != nil {
		return fmt.Errorf("remove stale instance: %w", err)
	}

	c.log.Info("slot cleared",
		"repository_id", repositoryID,
		"instance_id", shortID(status.ID),
		"previous_state", string(status.State),
		"task_id", status.Labels[LabelTaskID],
	)
	return nil
}

func (c *Controller) inspectSlot(ctx context.Context, name string) (*runtime.InstanceStatus, error) {
	ctx, cancel := c.bounded(ctx, 0)
	defer cancel()

	var status *runtime.InstanceStatus
	err := c.do(func() error {
		var ierr error
		status, ierr = c.engine.Inspect(ctx, name)
		return ierr
	})
	return status, err
}

// Poll 非阻塞查询实例状态
//
// 实例不存在返回 Missing；引擎错误一律包装为 *model.PollTransientError。
func (c *Controller) Poll(ctx context.Context, instanceID string) (PollResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.PollTimeout)
	defer cancel()

	var status *runtime.InstanceStatus
	err := c.do(func() error {
		var ierr error
		status, ierr = c.engine.Inspect(ctx, instanceID)
		return ierr
	})
	if errors.Is(err, runtime.ErrNotFound) {
		return PollResult{Missing: true}, nil
	}
	if err != nil {
		return PollResult{}, &model.PollTransientError{InstanceID: instanceID, Err: err}
	}

	if status.State.Finished() {
		return PollResult{Exited: true, ExitCode: status.ExitCode}, nil
	}
	return PollResult{Running: true}, nil
}

// FetchLogs 尽力读取实例最后 tail 行日志，任何失败都返回空串
func (c *Controller) FetchLogs(ctx context.Context, instanceID string, tail int) string {
	ctx, cancel := c.bounded(ctx, 0)
	defer cancel()

	var rc io.ReadCloser
	err := c.do(func() error {
		var lerr error
		rc, lerr = c.engine.Logs(ctx, instanceID, tail)
		return lerr
	})
	if err != nil {
		c.log.Debug("fetch logs failed", "instance_id", shortID(instanceID), "error", err)
		return ""
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 256*1024))
	if err != nil && len(data) == 0 {
		return ""
	}
	return strings.TrimRight(tailLines(string(data), tail), "\n")
}

// ReadResult 读取并校验任务结果文件
func (c *Controller) ReadResult(taskID string) (json.RawMessage, error) {
	data, err := os.ReadFile(c.ResultPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrResultMissing
	}
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if !json.Valid(data) {
		return nil, ErrResultInvalid
	}
	return json.RawMessage(data), nil
}

// Stop 在 StopGrace 内停止实例，实例不存在视为成功
func (c *Controller) Stop(ctx context.Context, instanceID string) error {
	ctx, cancel := c.bounded(ctx, c.opts.StopGrace)
	defer cancel()

	err := c.do(func() error { return c.engine.Stop(ctx, instanceID, c.opts.StopGrace) })
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("stop instance %s: %w", shortID(instanceID), err)
	}
	return nil
}

// Teardown 删除实例，实例不存在视为成功
func (c *Controller) Teardown(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return nil
	}
	ctx, cancel := c.bounded(ctx, 0)
	defer cancel()

	err := c.do(func() error { return c.engine.Remove(ctx, instanceID, true) })
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("teardown instance %s: %w", shortID(instanceID), err)
	}
	return nil
}

// List 列出所有受管实例
func (c *Controller) List(ctx context.Context) ([]runtime.InstanceStatus, error) {
	var out []runtime.InstanceStatus
	err := c.do(func() error {
		var lerr error
		out, lerr = c.engine.List(ctx, c.opts.NamePrefix)
		return lerr
	})
	return out, err
}

// Remove 强制删除仓库槽位上的实例，不存在时返回 runtime.ErrNotFound
func (c *Controller) Remove(ctx context.Context, repositoryID string) error {
	name := c.SlotName(repositoryID)
	ctx, cancel := c.bounded(ctx, 0)
	defer cancel()

	err := c.do(func() error { return c.engine.Remove(ctx, name, true) })
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// CleanupExited 删除所有已退出的受管实例，inUse 返回 true 的实例保留
func (c *Controller) CleanupExited(ctx context.Context, inUse func(instanceID string) bool) (int, error) {
	list, err := c.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, inst := range list {
		if !inst.State.Finished() {
			continue
		}
		if inUse != nil && inUse(inst.ID) {
			continue
		}
		if err := c.Teardown(ctx, inst.ID); err != nil {
			c.log.Warn("cleanup instance failed", "instance_id", shortID(inst.ID), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// PurgeResults 删除早于 olderThan 的结果文件
func (c *Controller) PurgeResults(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(c.resultsDir)
	if err != nil {
		return 0, fmt.Errorf("read results dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.resultsDir, e.Name())); err == nil {
			purged++
		}
	}
	return purged, nil
}

// tailLines 保留最后 n 行
func tailLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
