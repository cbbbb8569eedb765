// Package runtime 定义隔离执行单元（容器）的引擎接口
//
// Engine 是对底层容器引擎的薄封装，只暴露任务生命周期所需的操作：
//   - 创建 / 启动 / 停止 / 删除
//   - 非阻塞状态查询
//   - 日志读取
//
// 槽位、资源限制、任务参数等语义由 internal/instance 负责。
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound 实例不存在
	ErrNotFound = errors.New("runtime: instance not found")

	// ErrConflict 实例名称已被占用
	ErrConflict = errors.New("runtime: instance name conflict")

	// ErrImageNotFound 镜像不存在
	ErrImageNotFound = errors.New("runtime: image not found")
)

// Engine 容器引擎接口
type Engine interface {
	// Name 返回引擎名称
	Name() string

	// Ping 检查引擎连通性
	Ping(ctx context.Context) error

	// ImageExists 检查镜像是否存在
	ImageExists(ctx context.Context, image string) (bool, error)

	// Create 创建实例（不启动）
	Create(ctx context.Context, config *InstanceConfig) (*Instance, error)

	// Start 启动实例
	Start(ctx context.Context, instanceID string) error

	// Stop 停止实例，grace 为强制终止前的等待时间
	Stop(ctx context.Context, instanceID string, grace time.Duration) error

	// Remove 删除实例
	Remove(ctx context.Context, instanceID string, force bool) error

	// Inspect 查询实例状态，参数可以是 ID 或名称；实例不存在时返回 ErrNotFound
	Inspect(ctx context.Context, idOrName string) (*InstanceStatus, error)

	// Logs 读取实例日志（stdout + stderr 合并），tail <= 0 表示全部
	Logs(ctx context.Context, instanceID string, tail int) (io.ReadCloser, error)

	// List 列出名称带指定前缀的实例（包含已退出的）
	List(ctx context.Context, namePrefix string) ([]InstanceStatus, error)
}

// InstanceConfig 实例配置
type InstanceConfig struct {
	Name      string            // 实例名称（槽位名）
	Image     string            // 镜像
	Env       map[string]string // 环境变量
	Mounts    []Mount           // 挂载
	Resources *ResourceConfig   // 资源限制
	Network   string            // 网络名称，为空使用引擎默认网络
	Labels    map[string]string // 标签
}

// Mount 挂载配置
type Mount struct {
	Source   string // 宿主机路径
	Target   string // 容器内路径
	ReadOnly bool
}

// ResourceConfig 资源限制
type ResourceConfig struct {
	CPULimit    float64 // CPU 核数（如 0.5 表示半核）
	MemoryLimit int64   // 内存上限（字节）
}

// Instance 已创建的实例
type Instance struct {
	ID     string
	Name   string
	Engine string
}

// InstanceState 实例状态
type InstanceState string

const (
	StateCreated  InstanceState = "created"
	StateRunning  InstanceState = "running"
	StatePaused   InstanceState = "paused"
	StateExited   InstanceState = "exited"
	StateStopped  InstanceState = "stopped"
	StateRemoving InstanceState = "removing"
	StateUnknown  InstanceState = "unknown"
)

// Alive 实例是否仍在占用资源（运行或暂停）
func (s InstanceState) Alive() bool {
	return s == StateRunning || s == StatePaused
}

// Finished 实例是否已结束运行
func (s InstanceState) Finished() bool {
	return s == StateExited || s == StateStopped
}

// InstanceStatus 实例状态快照
type InstanceStatus struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Image      string            `json:"image,omitempty"`
	State      InstanceState     `json:"state"`
	Status     string            `json:"status,omitempty"` // 引擎原始描述，如 "Exited (0) 3 minutes ago"
	ExitCode   int               `json:"exit_code"`
	StartedAt  string            `json:"started_at,omitempty"`
	FinishedAt string            `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}
