// Package sink 任务结果交付
//
// 调度器在任务进入终态时调用一次 Record；实现 Tracker 的 Sink
// 额外接收 PENDING / RUNNING 阶段的进度，用于持久化未完成的任务。
package sink

import (
	"context"
	"errors"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// Sink 终态任务接收方
type Sink interface {
	Record(ctx context.Context, task *model.Task) error
}

// Tracker 非终态进度接收方（可选）
type Tracker interface {
	Track(ctx context.Context, task *model.Task) error
}

// Func 函数适配器
type Func func(ctx context.Context, task *model.Task) error

// Record 实现 Sink
func (f Func) Record(ctx context.Context, task *model.Task) error {
	return f(ctx, task)
}

// NoOp 丢弃所有结果
type NoOp struct{}

func (NoOp) Record(context.Context, *model.Task) error { return nil }
func (NoOp) Track(context.Context, *model.Task) error  { return nil }

// Multi 依次交付给多个 Sink，汇总所有错误
type Multi []Sink

// Record 实现 Sink
func (m Multi) Record(ctx context.Context, task *model.Task) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, task.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Track 转发给实现了 Tracker 的成员
func (m Multi) Track(ctx context.Context, task *model.Task) error {
	var errs []error
	for _, s := range m {
		if t, ok := s.(Tracker); ok {
			if err := t.Track(ctx, task.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
