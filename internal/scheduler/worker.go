package scheduler

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrWorkerClosed 工作池已关闭
var ErrWorkerClosed = errors.New("worker pool closed")

// Worker 执行慢操作（创建、停止、删除实例、读取日志）的有界工作池
//
// 监控循环只负责把任务交给 Worker，不在循环内等待这些操作。
type Worker struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker 创建最多 n 个并发作业的工作池
func NewWorker(n int) *Worker {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		sem:    semaphore.NewWeighted(int64(n)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go 提交作业
//
// 作业一定会被调用；工作池被强制关闭时传入的 ctx 已取消，作业应尽快返回。
func (w *Worker) Go(job func(ctx context.Context)) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWorkerClosed
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			job(w.ctx)
			return
		}
		defer w.sem.Release(1)
		job(w.ctx)
	}()
	return nil
}

// Wait 等待所有已提交作业完成
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Close 停止接收新作业并等待已提交作业完成
//
// ctx 到期后取消作业上下文，再等待作业退出。
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}
