package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorker_Bounded 并发数不超过上限
func TestWorker_Bounded(t *testing.T) {
	w := NewWorker(2)
	var current, peak atomic.Int32

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Go(func(ctx context.Context) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}))
	}
	w.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// TestWorker_Close 关闭后拒绝新作业
func TestWorker_Close(t *testing.T) {
	w := NewWorker(1)
	var ran atomic.Bool
	require.NoError(t, w.Go(func(ctx context.Context) { ran.Store(true) }))
	require.NoError(t, w.Close(context.Background()))
	assert.True(t, ran.Load())
	assert.ErrorIs(t, w.Go(func(ctx context.Context) {}), ErrWorkerClosed)
}

// TestWorker_CloseDeadline 超时后取消作业上下文
func TestWorker_CloseDeadline(t *testing.T) {
	w := NewWorker(1)
	require.NoError(t, w.Go(func(ctx context.Context) { <-ctx.Done() }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
}

// TestRepoLocks 同一仓库串行，不同仓库并行
func TestRepoLocks(t *testing.T) {
	l := NewRepoLocks()
	unlock := l.Lock("r1")

	// 其他仓库不受影响
	u2 := l.Lock("r2")
	u2()

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		u := l.Lock("r1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	wg.Wait()
}
