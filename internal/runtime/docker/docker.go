// Package docker 基于 Docker 的容器引擎实现
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/zihaoli-cn/codestat-agent/internal/runtime"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// Engine Docker 容器引擎
type Engine struct {
	client *client.Client
}

var _ runtime.Engine = (*Engine)(nil)

// New 创建 Docker 引擎（读取 DOCKER_HOST 等环境变量）
func New() (*Engine, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Engine{client: cli}, nil
}

// Name 返回引擎名称
func (e *Engine) Name() string {
	return "docker"
}

// Close 关闭客户端
func (e *Engine) Close() error {
	return e.client.Close()
}

// Ping 检查 Docker 连接
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx, client.PingOptions{})
	return err
}

// ImageExists 检查本地镜像是否存在
func (e *Engine) ImageExists(ctx context.Context, image string) (bool, error) {
	_, err := e.client.ImageInspect(ctx, image)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create 创建容器
func (e *Engine) Create(ctx context.Context, cfg *runtime.InstanceConfig) (*runtime.Instance, error) {
	var binds []string
	for _, m := range cfg.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostCfg := &container.HostConfig{
		Binds: binds,
	}
	if cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.Network)
	}
	if cfg.Resources != nil {
		hostCfg.Resources = container.Resources{
			NanoCPUs: int64(cfg.Resources.CPULimit * 1e9),
			Memory:   cfg.Resources.MemoryLimit,
		}
	}

	result, err := e.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Env:          env,
			Labels:       cfg.Labels,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, createError(err, cfg.Name)
	}

	return &runtime.Instance{
		ID:     result.ID,
		Name:   cfg.Name,
		Engine: e.Name(),
	}, nil
}

// Start 启动容器
func (e *Engine) Start(ctx context.Context, instanceID string) error {
	_, err := e.client.ContainerStart(ctx, instanceID, client.ContainerStartOptions{})
	if err != nil {
		return translate(err, "start container %s", shortID(instanceID))
	}
	return nil
}

// Stop 停止容器
func (e *Engine) Stop(ctx context.Context, instanceID string, grace time.Duration) error {
	timeout := int(grace.Seconds())
	_, err := e.client.ContainerStop(ctx, instanceID, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil {
		return translate(err, "stop container %s", shortID(instanceID))
	}
	return nil
}

// Remove 删除容器（不删除挂载的宿主机目录）
func (e *Engine) Remove(ctx context.Context, instanceID string, force bool) error {
	_, err := e.client.ContainerRemove(ctx, instanceID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	})
	if err != nil {
		return translate(err, "remove container %s", shortID(instanceID))
	}
	return nil
}

// Inspect 查询容器状态
func (e *Engine) Inspect(ctx context.Context, idOrName string) (*runtime.InstanceStatus, error) {
	result, err := e.client.ContainerInspect(ctx, idOrName, client.ContainerInspectOptions{})
	if err != nil {
		return nil, translate(err, "inspect container %s", shortID(idOrName))
	}

	c := result.Container
	status := &runtime.InstanceStatus{
		ID:   c.ID,
		Name: strings.TrimPrefix(c.Name, "/"),
	}
	if c.Config != nil {
		status.Image = c.Config.Image
		status.Labels = c.Config.Labels
	}
	if c.State != nil {
		status.State = MapContainerState(string(c.State.Status))
		status.Status = string(c.State.Status)
		status.ExitCode = c.State.ExitCode
		status.StartedAt = c.State.StartedAt
		status.FinishedAt = c.State.FinishedAt
		status.Error = c.State.Error
	} else {
		status.State = runtime.StateUnknown
	}
	return status, nil
}

// Logs 获取容器日志，返回已解复用的 stdout+stderr
func (e *Engine) Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = strconv.Itoa(tail)
	}

	raw, err := e.client.ContainerLogs(ctx, instanceID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
		Follow:     false,
	})
	if err != nil {
		return nil, translate(err, "logs of container %s", shortID(instanceID))
	}

	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// List 列出名称带前缀的容器
func (e *Engine) List(ctx context.Context, namePrefix string) ([]runtime.InstanceStatus, error) {
	result, err := e.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("name", namePrefix),
	})
	if err != nil {
		return nil, translate(err, "list containers")
	}

	var out []runtime.InstanceStatus
	for _, c := range result.Items {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		// name 过滤器是子串匹配，这里收紧为前缀匹配
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		out = append(out, runtime.InstanceStatus{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  MapContainerState(string(c.State)),
			Status: c.Status,
			Labels: c.Labels,
		})
	}
	return out, nil
}

// MapContainerState 映射 Docker 容器状态
func MapContainerState(status string) runtime.InstanceState {
	switch status {
	case "created":
		return runtime.StateCreated
	case "running", "restarting":
		return runtime.StateRunning
	case "paused":
		return runtime.StatePaused
	case "removing":
		return runtime.StateRemoving
	case "exited":
		return runtime.StateExited
	case "dead":
		return runtime.StateStopped
	default:
		return runtime.StateUnknown
	}
}

// translate 将 Docker 错误转换为 runtime 错误
func translate(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w", msg, runtime.ErrNotFound)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %w: %v", msg, runtime.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

// createError 创建阶段的 not found 只可能是镜像缺失
func createError(err error, name string) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("create container %s: %w: %v", name, runtime.ErrImageNotFound, err)
	}
	return translate(err, "create container %s", name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
