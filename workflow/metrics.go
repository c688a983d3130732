package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "audit_workflow"
	tracerName       = "github.com/blingmoon/audit-workflow/workflow"
)

// Metrics 引擎指标, 通过 Registerer 注入, 测试时使用独立的 registry
// 所有方法都允许接收者为 nil
type Metrics struct {
	InstancesCreated   *prometheus.CounterVec
	InstancesFinished  *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	ActionDuration     *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	EventsDropped      prometheus.Counter
	LockConflicts      prometheus.Counter
	ArchiveFailures    prometheus.Counter
	CompletionDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InstancesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instances_created_total",
			Help:      "Workflow instances created, by template",
		}, []string{"template"}),
		InstancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instances_finished_total",
			Help:      "Workflow instances that reached a terminal status",
		}, []string{"template", "status"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions, by template and target stage",
		}, []string{"template", "stage"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "action_duration_seconds",
			Help:      "Automated action execution time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"action", "result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "approval_queue_depth",
			Help:      "Open approval tasks",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}),
		LockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_conflicts_total",
			Help:      "Mutations rejected because the instance was busy",
		}),
		ArchiveFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "archive_failures_total",
			Help:      "Audit archive writes that failed",
		}),
		CompletionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "completion_duration_hours",
			Help:      "Time from start to completion",
			Buckets:   []float64{1, 4, 12, 24, 48, 96, 168, 336},
		}),
	}
}

func (m *Metrics) observeAction(action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(action, result).Observe(d.Seconds())
}

func (m *Metrics) instanceCreated(templateID string) {
	if m == nil {
		return
	}
	m.InstancesCreated.WithLabelValues(templateID).Inc()
}

func (m *Metrics) instanceFinished(inst *WorkflowInstance) {
	if m == nil {
		return
	}
	m.InstancesFinished.WithLabelValues(inst.TemplateID, inst.Status).Inc()
	if inst.StartedAt != nil && inst.CompletedAt != nil && inst.Status == InstanceStatusCompleted {
		m.CompletionDuration.Observe(inst.CompletedAt.Sub(*inst.StartedAt).Hours())
	}
}

func (m *Metrics) transition(templateID, stageID string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(templateID, stageID).Inc()
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) lockConflict() {
	if m == nil {
		return
	}
	m.LockConflicts.Inc()
}

func (m *Metrics) archiveFailed() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}
