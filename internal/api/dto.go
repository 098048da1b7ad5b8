package api

import (
	"fmt"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/topology"
)

// Job DTOs

// CreateJobRequest — запрос на создание job.
type CreateJobRequest struct {
	Topic string `json:"topic"`

	// Queue — явная очередь. Пусто: очередь выбирается по topic.
	Queue string `json:"queue,omitempty"`

	// Properties — пользовательские свойства. Строки, числа и bool.
	Properties map[string]any `json:"properties,omitempty"`
}

// ToProperties конвертирует свойства запроса в domain.Properties.
func (r CreateJobRequest) ToProperties() (domain.Properties, error) {
	return propertiesFromAny(r.Properties)
}

// JobResponse — ответ с job.
type JobResponse struct {
	ID              string         `json:"id"`
	Topic           string         `json:"topic"`
	Queue           string         `json:"queue,omitempty"`
	State           string         `json:"state"`
	Properties      map[string]any `json:"properties,omitempty"`
	Progress        map[string]any `json:"progress,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	CreatedAt       time.Time      `json:"created_at"`
	CreatedInstance string         `json:"created_instance,omitempty"`
	QueuedAt        time.Time      `json:"queued_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	StartedInstance string         `json:"started_instance,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	TargetInstance  string         `json:"target_instance,omitempty"`
	ResultMessage   string         `json:"result_message,omitempty"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(j *domain.Job) JobResponse {
	return JobResponse{
		ID:              j.ID,
		Topic:           j.Topic,
		Queue:           j.Queue,
		State:           j.State.String(),
		Properties:      propertiesToAny(j.Properties),
		Progress:        propertiesToAny(j.Progress),
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		CreatedAt:       j.CreatedAt,
		CreatedInstance: j.CreatedInstance,
		QueuedAt:        j.QueuedAt,
		StartedAt:       j.StartedAt,
		StartedInstance: j.StartedInstance,
		FinishedAt:      j.FinishedAt,
		TargetInstance:  j.TargetInstance,
		ResultMessage:   j.ResultMessage,
		DurationMs:      j.Duration().Milliseconds(),
	}
}

// JobsFromDomain конвертирует список job.
func JobsFromDomain(jobs []*domain.Job) []JobResponse {
	result := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		result[i] = JobFromDomain(j)
	}
	return result
}

// Queue DTOs

// ClearQueueResponse — результат очистки очереди.
type ClearQueueResponse struct {
	Queue   string `json:"queue"`
	Removed int    `json:"removed"`
}

// Topology DTOs

// TopologyResponse — снимок членства в кластере.
type TopologyResponse struct {
	Local     string              `json:"local"`
	Leader    string              `json:"leader,omitempty"`
	Seq       uint64              `json:"seq"`
	TakenAt   time.Time           `json:"taken_at"`
	Instances []topology.Instance `json:"instances"`
}

// TopologyFromDomain конвертирует снимок Capabilities.
func TopologyFromDomain(c *topology.Capabilities) TopologyResponse {
	instances := c.Instances()
	if instances == nil {
		instances = []topology.Instance{}
	}
	return TopologyResponse{
		Local:     c.LocalID(),
		Leader:    c.Leader(),
		Seq:       c.Seq(),
		TakenAt:   c.TakenAt(),
		Instances: instances,
	}
}

// Schedule DTOs

// ScheduleRequest — создание или замена расписания.
type ScheduleRequest struct {
	Topic       string         `json:"topic"`
	Queue       string         `json:"queue,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// ToDomain собирает domain.ScheduledJob с именем name.
// Enabled по умолчанию true.
func (r ScheduleRequest) ToDomain(name string) (*domain.ScheduledJob, error) {
	props, err := propertiesFromAny(r.Properties)
	if err != nil {
		return nil, err
	}
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	tz := r.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return &domain.ScheduledJob{
		Name:        name,
		Topic:       r.Topic,
		Queue:       r.Queue,
		CronExpr:    r.CronExpr,
		IntervalSec: r.IntervalSec,
		Timezone:    tz,
		Enabled:     enabled,
		Properties:  props,
	}, nil
}

// SetEnabledRequest — включение/выключение schedule.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с расписанием.
type ScheduleResponse struct {
	Name        string         `json:"name"`
	Topic       string         `json:"topic"`
	Queue       string         `json:"queue,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	Properties  map[string]any `json:"properties,omitempty"`
	NextDueAt   *time.Time     `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	LastJobID   string         `json:"last_job_id,omitempty"`
}

// ScheduleFromDomain конвертирует domain.ScheduledJob в ScheduleResponse.
func ScheduleFromDomain(s *domain.ScheduledJob) ScheduleResponse {
	return ScheduleResponse{
		Name:        s.Name,
		Topic:       s.Topic,
		Queue:       s.Queue,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		Properties:  propertiesToAny(s.Properties),
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastJobID:   s.LastJobID,
	}
}

// --- Helpers ---

func propertiesFromAny(in map[string]any) (domain.Properties, error) {
	props := make(domain.Properties, len(in))
	for name, raw := range in {
		v, err := domain.FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		props[name] = v
	}
	return props, nil
}

func propertiesToAny(props domain.Properties) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for name, v := range props {
		out[name] = v.Any()
	}
	return out
}
