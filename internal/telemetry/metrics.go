package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conveyor"

// Metrics — Prometheus метрики job-движка.
//
// Все методы допускают nil-получатель, поэтому компоненты
// работают и без метрик (например в тестах).
type Metrics struct {
	jobsCreated     prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsRescheduled prometheus.Counter
	jobsReassigned  prometheus.Counter
	storeConflicts  prometheus.Counter
	queueActive     *prometheus.GaugeVec
	queueQueued     *prometheus.GaugeVec
	jobDuration     *prometheus.HistogramVec
}

// NewMetrics создаёт метрики и регистрирует их в reg.
// Если reg == nil, метрики создаются без регистрации.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_created_total",
			Help:      "Jobs persisted by the job manager.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state.",
		}, []string{"queue", "state"}),
		jobsRescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rescheduled_total",
			Help:      "Jobs returned to QUEUED for another attempt.",
		}),
		jobsReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reassigned_total",
			Help:      "Jobs moved to another target instance.",
		}),
		storeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Optimistic commits rejected because the record changed.",
		}),
		queueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_active",
			Help:      "Jobs currently processed by the local queue.",
		}, []string{"queue"}),
		queueQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_queued",
			Help:      "Jobs waiting in the local queue backlog.",
		}, []string{"queue"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.jobsCreated,
			m.jobsFinished,
			m.jobsRescheduled,
			m.jobsReassigned,
			m.storeConflicts,
			m.queueActive,
			m.queueQueued,
			m.jobDuration,
		)
	}
	return m
}

// JobCreated учитывает созданный job.
func (m *Metrics) JobCreated() {
	if m == nil {
		return
	}
	m.jobsCreated.Inc()
}

// JobFinished учитывает завершение job.
func (m *Metrics) JobFinished(queue, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(queue, state).Inc()
	if d > 0 {
		m.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

// JobRescheduled учитывает повторную постановку в очередь.
func (m *Metrics) JobRescheduled() {
	if m == nil {
		return
	}
	m.jobsRescheduled.Inc()
}

// JobReassigned учитывает перенос job на другой экземпляр.
func (m *Metrics) JobReassigned() {
	if m == nil {
		return
	}
	m.jobsReassigned.Inc()
}

// StoreConflict учитывает отклонённый оптимистичный коммит.
func (m *Metrics) StoreConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

// QueueSize обновляет размеры локальной очереди.
func (m *Metrics) QueueSize(queue string, active, queued int) {
	if m == nil {
		return
	}
	m.queueActive.WithLabelValues(queue).Set(float64(active))
	m.queueQueued.WithLabelValues(queue).Set(float64(queued))
}
