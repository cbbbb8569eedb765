package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zihaoli-cn/codestat-agent/internal/shared/model"
)

// Metrics 调度器指标
type Metrics struct {
	// 提交指标
	SubmissionsTotal *prometheus.CounterVec

	// 任务指标
	TasksActive       *prometheus.GaugeVec
	TasksFinished     *prometheus.CounterVec
	TaskDuration      *prometheus.HistogramVec
	ProvisionDuration prometheus.Histogram
	ProvisionFailures prometheus.Counter

	// 监控循环指标
	ReconcileTotal    prometheus.Counter
	ReconcileDuration prometheus.Histogram
	PollErrors        prometheus.Counter

	// 维护指标
	TasksEvicted     prometheus.Counter
	InstancesCleaned prometheus.Counter
}

// NewMetrics 创建调度器指标，reg 为 nil 时不注册
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Push submissions by outcome",
			},
			[]string{"outcome"},
		),
		TasksActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_active",
				Help:      "Number of pending or running tasks",
			},
			[]string{"status"},
		),
		TasksFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks reaching a terminal state",
			},
			[]string{"status"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task run time from start to finish",
				Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"status"},
		),
		ProvisionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time spent clearing the slot and starting an instance",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		ProvisionFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_failures_total",
				Help:      "Failed instance provisions",
			},
		),
		ReconcileTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Monitor passes executed",
			},
		),
		ReconcileDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Monitor pass duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		PollErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_errors_total",
				Help:      "Transient instance poll failures",
			},
		),
		TasksEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_evicted_total",
				Help:      "Terminal tasks evicted from the registry",
			},
		),
		InstancesCleaned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_cleaned_total",
				Help:      "Exited instances removed by maintenance",
			},
		),
	}
}

// observeFinished 记录终态任务
func (m *Metrics) observeFinished(t *model.Task) {
	status := string(t.Status)
	m.TasksFinished.WithLabelValues(status).Inc()
	if d := t.Duration(); d > 0 {
		m.TaskDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// setActive 刷新活跃任务数
func (m *Metrics) setActive(counts map[model.TaskStatus]int) {
	m.TasksActive.WithLabelValues(string(model.TaskStatusPending)).Set(float64(counts[model.TaskStatusPending]))
	m.TasksActive.WithLabelValues(string(model.TaskStatusRunning)).Set(float64(counts[model.TaskStatusRunning]))
}
