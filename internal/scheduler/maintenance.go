package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// maintenance 低频维护任务：任务表淘汰、已退出实例清理、过期结果文件清理
type maintenance struct {
	s    *Scheduler
	cron *cron.Cron
}

func newMaintenance(s *Scheduler, spec string) (*maintenance, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	m := &maintenance{s: s, cron: c}
	if _, err := c.AddFunc(spec, func() { s.Maintain(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance spec %q: %w", spec, err)
	}
	return m, nil
}

func (m *maintenance) start() {
	m.cron.Start()
}

// stop 停止调度并等待正在执行的维护任务
func (m *maintenance) stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Maintain 执行一次维护
func (s *Scheduler) Maintain(ctx context.Context) {
	if n := s.reg.Evict(s.opts.MaxTasks); n > 0 {
		s.metrics.TasksEvicted.Add(float64(n))
		s.log.Info("evicted finished tasks", "count", n, "remaining", s.reg.Len())
	}

	removed, err := s.ctrl.CleanupExited(ctx, s.reg.InstanceInUse)
	if err != nil {
		s.log.Warn("cleanup exited instances failed", "error", err)
	} else if removed > 0 {
		s.metrics.InstancesCleaned.Add(float64(removed))
		s.log.Info("removed exited instances", "count", removed)
	}

	purged, err := s.ctrl.PurgeResults(s.opts.ResultRetention)
	if err != nil {
		s.log.Warn("purge result files failed", "error", err)
	} else if purged > 0 {
		s.log.Info("purged result files", "count", purged)
	}
}
