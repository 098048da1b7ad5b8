package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Системные свойства job. Хранятся в записи рядом с пользовательскими.
const (
	PropID              = "job.id"
	PropTopic           = "job.topic"
	PropQueue           = "job.queue"
	PropRetryCount      = "job.retrycount"
	PropMaxRetries      = "job.retries"
	PropCreated         = "job.created"
	PropCreatedInstance = "job.created.instance"
	PropQueued          = "job.queued"
	PropStarted         = "job.started"
	PropStartedInstance = "job.started.instance"
	PropFinished        = "job.finished"
	PropFinishedState   = "job.finished.state"
	PropTargetInstance  = "job.target.instance"
	PropResultMessage   = "job.result.message"
	PropRetryDelay      = "job.retry.delay"
	PropLeaseUntil      = "job.lease.until"

	// PropProgressPrefix — префикс progress-аннотаций от consumer'а.
	PropProgressPrefix = "job.progress."

	// ReservedPrefix — префикс, зарезервированный под системные свойства.
	ReservedPrefix = "job."
)

// IsReserved проверяет, является ли имя системным свойством.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// NewJobID генерирует идентификатор job.
// UUIDv7 монотонен во времени, поэтому id упорядочены по созданию.
func NewJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Job — единица асинхронной работы.
//
// Job создаётся JobManager'ом и изменяется только JobHandler'ом,
// который его обрабатывает. Снимок Job, возвращаемый наружу,
// не отражает последующих изменений.
type Job struct {
	// ID — уникальный идентификатор.
	ID string `json:"id"`

	// Topic — тема: ключ маршрутизации к consumer'у и конфигурации очереди.
	Topic string `json:"topic"`

	// Queue — имя очереди, в которой job обрабатывается.
	Queue string `json:"queue,omitempty"`

	// Properties — пользовательские свойства.
	Properties Properties `json:"properties,omitempty"`

	// State — текущее состояние.
	State JobState `json:"state"`

	// RetryCount — количество выполненных reschedule.
	RetryCount int `json:"retry_count"`

	// MaxRetries — retry-бюджет. -1 означает без ограничения.
	MaxRetries int `json:"max_retries"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// CreatedInstance — экземпляр, создавший job.
	CreatedInstance string `json:"created_instance,omitempty"`

	// QueuedAt — время последней постановки в очередь.
	QueuedAt time.Time `json:"queued_at"`

	// StartedAt — время начала текущей обработки.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// StartedInstance — экземпляр, обрабатывающий job.
	StartedInstance string `json:"started_instance,omitempty"`

	// FinishedAt — время завершения (только для истории).
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// TargetInstance — экземпляр-владелец. Пусто для unassigned job.
	TargetInstance string `json:"target_instance,omitempty"`

	// ResultMessage — сообщение consumer'а о результате.
	ResultMessage string `json:"result_message,omitempty"`

	// RetryDelay — переопределение задержки перед следующей попыткой.
	RetryDelay time.Duration `json:"retry_delay,omitempty"`

	// LeaseUntil — срок аренды обработки (если аренда включена).
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	// Progress — промежуточные аннотации consumer'а.
	Progress Properties `json:"progress,omitempty"`

	// Path — путь записи в хранилище.
	Path string `json:"path,omitempty"`

	// Version — версия записи для оптимистичных коммитов.
	Version int64 `json:"-"`
}

// Clone возвращает независимую копию job.
func (j *Job) Clone() *Job {
	c := *j
	c.Properties = j.Properties.Clone()
	if j.Progress != nil {
		c.Progress = j.Progress.Clone()
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.LeaseUntil = cloneTime(j.LeaseUntil)
	return &c
}

// CanRetry проверяет, остался ли retry-бюджет для ещё одного reschedule.
func (j *Job) CanRetry() bool {
	return j.MaxRetries < 0 || j.RetryCount < j.MaxRetries
}

// IsActive возвращает true, если job обрабатывается.
func (j *Job) IsActive() bool {
	return j.State == JobStateActive
}

// Duration возвращает время обработки (только для завершённых job).
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// Property возвращает свойство по имени: пользовательское,
// системное или progress-аннотацию.
func (j *Job) Property(name string) (Value, bool) {
	if IsReserved(name) {
		v, ok := j.ToProperties()[name]
		return v, ok
	}
	v, ok := j.Properties[name]
	return v, ok
}

// ToProperties собирает полный набор свойств записи.
func (j *Job) ToProperties() Properties {
	props := make(Properties, len(j.Properties)+16)
	for k, v := range j.Properties {
		props[k] = v
	}

	props[PropID] = Text(j.ID)
	props[PropTopic] = Text(j.Topic)
	props[PropRetryCount] = Int(j.RetryCount)
	props[PropMaxRetries] = Int(j.MaxRetries)
	props[PropCreated] = Timestamp(j.CreatedAt)
	props[PropQueued] = Timestamp(j.QueuedAt)

	if j.Queue != "" {
		props[PropQueue] = Text(j.Queue)
	}
	if j.CreatedInstance != "" {
		props[PropCreatedInstance] = Text(j.CreatedInstance)
	}
	if j.StartedAt != nil {
		props[PropStarted] = Timestamp(*j.StartedAt)
	}
	if j.StartedInstance != "" {
		props[PropStartedInstance] = Text(j.StartedInstance)
	}
	if j.FinishedAt != nil {
		props[PropFinished] = Timestamp(*j.FinishedAt)
	}
	if j.State.IsTerminal() {
		props[PropFinishedState] = StateValue(j.State)
	}
	if j.TargetInstance != "" {
		props[PropTargetInstance] = Text(j.TargetInstance)
	}
	if j.ResultMessage != "" {
		props[PropResultMessage] = Text(j.ResultMessage)
	}
	if j.RetryDelay > 0 {
		props[PropRetryDelay] = Number(float64(j.RetryDelay.Milliseconds()))
	}
	if j.LeaseUntil != nil {
		props[PropLeaseUntil] = Timestamp(*j.LeaseUntil)
	}
	for k, v := range j.Progress {
		props[PropProgressPrefix+k] = v
	}

	return props
}

// JobFromProperties восстанавливает job из набора свойств записи.
func JobFromProperties(path string, version int64, props Properties) (*Job, error) {
	id := props.Text(PropID)
	topic := props.Text(PropTopic)
	if id == "" || topic == "" {
		return nil, fmt.Errorf("%w: record %s has no id or topic", ErrInvalidJob, path)
	}

	job := &Job{
		ID:              id,
		Topic:           topic,
		Queue:           props.Text(PropQueue),
		Properties:      Properties{},
		RetryCount:      props.Int(PropRetryCount, 0),
		MaxRetries:      props.Int(PropMaxRetries, 0),
		CreatedInstance: props.Text(PropCreatedInstance),
		StartedAt:       props.Time(PropStarted),
		StartedInstance: props.Text(PropStartedInstance),
		FinishedAt:      props.Time(PropFinished),
		TargetInstance:  props.Text(PropTargetInstance),
		ResultMessage:   props.Text(PropResultMessage),
		LeaseUntil:      props.Time(PropLeaseUntil),
		Path:            path,
		Version:         version,
	}
	if t := props.Time(PropCreated); t != nil {
		job.CreatedAt = *t
	}
	if t := props.Time(PropQueued); t != nil {
		job.QueuedAt = *t
	}
	if ms := props.Int(PropRetryDelay, 0); ms > 0 {
		job.RetryDelay = time.Duration(ms) * time.Millisecond
	}

	// Состояние выводится из маркеров записи
	switch {
	case props[PropFinishedState].Kind == KindState:
		job.State, _ = props[PropFinishedState].State()
	case job.StartedAt != nil:
		job.State = JobStateActive
	default:
		job.State = JobStateQueued
	}

	for k, v := range props {
		switch {
		case strings.HasPrefix(k, PropProgressPrefix):
			if job.Progress == nil {
				job.Progress = Properties{}
			}
			job.Progress[strings.TrimPrefix(k, PropProgressPrefix)] = v
		case !IsReserved(k):
			job.Properties[k] = v
		}
	}

	return job, nil
}

// PropertyNames возвращает отсортированные имена пользовательских свойств.
func (j *Job) PropertyNames() []string {
	names := make([]string, 0, len(j.Properties))
	for k := range j.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
