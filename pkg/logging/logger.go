// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TaskIDKey       ContextKey = "task_id"
	RepositoryIDKey ContextKey = "repository_id"
	RequestIDKey    ContextKey = "request_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"-"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	l := slog.New(handler)
	if cfg.Component != "" {
		l = l.With(slog.String("component", cfg.Component))
	}
	return &Logger{Logger: l, component: cfg.Component}
}

// NewWriter 创建写入指定 io.Writer 的日志器（测试使用）
func NewWriter(w io.Writer, component string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", component)),
		component: component,
	}
}

// Discard 返回丢弃所有输出的日志器
func Discard() *Logger {
	return NewWriter(io.Discard, "discard")
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component 返回组件名
func (l *Logger) Component() string {
	return l.component
}

// Named 派生子组件日志器，共享同一个 handler
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("component", component)),
		component: component,
	}
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		attrs = append(attrs, slog.String("task_id", taskID))
	}
	if repoID, ok := ctx.Value(RepositoryIDKey).(string); ok && repoID != "" {
		attrs = append(attrs, slog.String("repository_id", repoID))
	}
	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	if len(attrs) == 0 {
		return l
	}
	return l.with(attrs...)
}

// WithTaskID 添加 Task ID
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.with(slog.String("task_id", taskID))
}

// WithRepositoryID 添加仓库 ID
func (l *Logger) WithRepositoryID(repoID string) *Logger {
	return l.with(slog.String("repository_id", repoID))
}

// WithInstanceID 添加运行实例 ID（容器 ID 取前 12 位）
func (l *Logger) WithInstanceID(instanceID string) *Logger {
	if len(instanceID) > 12 {
		instanceID = instanceID[:12]
	}
	return l.with(slog.String("instance_id", instanceID))
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// TaskLog 任务生命周期日志
func (l *Logger) TaskLog(action, repositoryID, taskID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("repository_id", repositoryID),
		slog.String("task_id", taskID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Task event", attrs...)
}
