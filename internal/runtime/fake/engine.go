// Package fake 内存实现的容器引擎，供测试使用
package fake

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/runtime"
)

// Container 内存中的容器
type Container struct {
	Config  runtime.InstanceConfig
	Status  runtime.InstanceStatus
	Logs    string
	Removed bool
}

// Engine 内存容器引擎
type Engine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	byName     map[string]string

	// 注入错误
	PingErr      error
	CreateErr    error
	StartErr     error
	InspectErr   error
	ImageMissing bool

	// BlockLogs 为 true 时 Logs 一直阻塞到 ctx 结束，模拟挂起的引擎
	BlockLogs bool

	// OnStart 启动容器时回调（在锁外执行），可用于模拟 worker 写结果文件
	OnStart func(cfg runtime.InstanceConfig)

	stops   []string
	removes []string
}

var _ runtime.Engine = (*Engine)(nil)

// New 创建内存引擎
func New() *Engine {
	return &Engine{
		containers: make(map[string]*Container),
		byName:     make(map[string]string),
	}
}

func (e *Engine) Name() string { return "fake" }

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.PingErr
}

func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.ImageMissing, nil
}

func (e *Engine) Create(ctx context.Context, cfg *runtime.InstanceConfig) (*runtime.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateErr != nil {
		return nil, e.CreateErr
	}
	if _, ok := e.byName[cfg.Name]; ok {
		return nil, fmt.Errorf("name %s in use: %w", cfg.Name, runtime.ErrConflict)
	}

	e.seq++
	id := fmt.Sprintf("%064x", e.seq)
	e.containers[id] = &Container{
		Config: *cfg,
		Status: runtime.InstanceStatus{
			ID:     id,
			Name:   cfg.Name,
			Image:  cfg.Image,
			State:  runtime.StateCreated,
			Labels: cfg.Labels,
		},
	}
	e.byName[cfg.Name] = id
	return &runtime.Instance{ID: id, Name: cfg.Name, Engine: e.Name()}, nil
}

func (e *Engine) Start(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	if e.StartErr != nil {
		err := e.StartErr
		e.mu.Unlock()
		return err
	}
	c, ok := e.containers[instanceID]
	if !ok {
		e.mu.Unlock()
		return runtime.ErrNotFound
	}
	c.Status.State = runtime.StateRunning
	c.Status.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	cfg := c.Config
	hook := e.OnStart
	e.mu.Unlock()

	if hook != nil {
		hook(cfg)
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.lookup(instanceID)
	if !ok {
		return runtime.ErrNotFound
	}
	e.stops = append(e.stops, c.Status.ID)
	if c.Status.State.Alive() || c.Status.State == runtime.StateCreated {
		c.Status.State = runtime.StateExited
		c.Status.ExitCode = 137
	}
	return nil
}

func (e *Engine) Remove(ctx context.Context, instanceID string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.lookup(instanceID)
	if !ok {
		return runtime.ErrNotFound
	}
	if c.Status.State.Alive() && !force {
		return fmt.Errorf("container is running: %w", runtime.ErrConflict)
	}
	e.removes = append(e.removes, c.Status.ID)
	delete(e.containers, c.Status.ID)
	delete(e.byName, c.Status.Name)
	return nil
}

func (e *Engine) Inspect(ctx context.Context, idOrName string) (*runtime.InstanceStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InspectErr != nil {
		return nil, e.InspectErr
	}
	c, ok := e.lookup(idOrName)
	if !ok {
		return nil, runtime.ErrNotFound
	}
	st := c.Status
	return &st, nil
}

func (e *Engine) Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error) {
	e.mu.Lock()
	block := e.BlockLogs
	e.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.lookup(instanceID)
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(c.Logs)), nil
}

func (e *Engine) List(ctx context.Context, namePrefix string) ([]runtime.InstanceStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []runtime.InstanceStatus
	for _, c := range e.containers {
		if strings.HasPrefix(c.Status.Name, namePrefix) {
			out = append(out, c.Status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (e *Engine) lookup(idOrName string) (*Container, bool) {
	if c, ok := e.containers[idOrName]; ok {
		return c, true
	}
	if id, ok := e.byName[idOrName]; ok {
		return e.containers[id], true
	}
	return nil, false
}

// Exit 模拟容器退出
func (e *Engine) Exit(idOrName string, code int, logs string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.lookup(idOrName); ok {
		c.Status.State = runtime.StateExited
		c.Status.ExitCode = code
		c.Status.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
		c.Logs = logs
	}
}

// Vanish 模拟容器被外部删除
func (e *Engine) Vanish(idOrName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.lookup(idOrName); ok {
		delete(e.containers, c.Status.ID)
		delete(e.byName, c.Status.Name)
	}
}

// Put 直接放入一个容器（模拟进程外遗留的实例）
func (e *Engine) Put(name string, state runtime.InstanceState) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := fmt.Sprintf("%064x", e.seq)
	e.containers[id] = &Container{
		Config: runtime.InstanceConfig{Name: name},
		Status: runtime.InstanceStatus{ID: id, Name: name, State: state},
	}
	e.byName[name] = id
	return id
}

// SetBlockLogs 设置 Logs 是否阻塞
func (e *Engine) SetBlockLogs(block bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BlockLogs = block
}

// SetInspectErr 设置 Inspect 错误
func (e *Engine) SetInspectErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.InspectErr = err
}

// Get 返回容器快照
func (e *Engine) Get(idOrName string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.lookup(idOrName)
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Stops 返回 Stop 调用记录
func (e *Engine) Stops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stops...)
}

// Removes 返回成功删除的实例 ID
func (e *Engine) Removes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.removes...)
}

// Len 返回现存容器数
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.containers)
}
