package manager

import (
	"context"
	"fmt"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
)

// JobBuilder накапливает свойства нового job.
type JobBuilder struct {
	m     *Manager
	queue string
	topic string
	props domain.Properties
	err   error
}

// NewJobBuilder создаёт builder для job с topic.
// Пустой queue означает сопоставление конфигурации по topic.
func (m *Manager) NewJobBuilder(queue, topic string) *JobBuilder {
	return &JobBuilder{
		m:     m,
		queue: queue,
		topic: topic,
		props: domain.Properties{},
	}
}

// Property добавляет свойство. Системные имена (job.*) отклоняются в Add.
func (b *JobBuilder) Property(name string, v domain.Value) *JobBuilder {
	if b.err == nil && domain.IsReserved(name) {
		b.err = fmt.Errorf("%w: %s", domain.ErrReservedProperty, name)
	}
	b.props[name] = v
	return b
}

// Properties добавляет набор свойств.
func (b *JobBuilder) Properties(props domain.Properties) *JobBuilder {
	for name, v := range props {
		b.Property(name, v)
	}
	return b
}

// Add сохраняет job и возвращает его снимок.
//
// Владелец вычисляется по текущему составу кластера. Локальный job сразу
// попадает в очередь, удалённому владельцу уходит уведомление job.added.
// Для очереди типа DROP job не сохраняется и возвращается ErrJobDropped.
func (b *JobBuilder) Add(ctx context.Context) (*domain.Job, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.topic == "" {
		return nil, ErrEmptyTopic
	}

	m := b.m
	configs := m.env.Configs()

	info := configs.Info(b.topic)
	if b.queue != "" {
		var err error
		if info, err = configs.InfoForQueue(b.queue, b.topic); err != nil {
			return nil, err
		}
	}
	if info.Config.Type == queueconf.TypeDrop {
		m.logger.Debug("job dropped on creation", "topic", b.topic, "queue", info.QueueName)
		return nil, ErrJobDropped
	}

	now := m.env.Now()
	caps := m.env.Capabilities()
	job := &domain.Job{
		ID:              domain.NewJobID(),
		Topic:           b.topic,
		Queue:           info.QueueName,
		Properties:      b.props.Clone(),
		State:           domain.JobStateQueued,
		MaxRetries:      info.Config.MaxRetries,
		CreatedAt:       now,
		CreatedInstance: caps.LocalID(),
		QueuedAt:        now,
	}
	job.TargetInstance = caps.DetectTarget(job.Topic, job.ToProperties(), info)

	path := m.env.Layout().JobPath(job.Topic, job.TargetInstance, job.ID)
	rec, err := m.env.Store().Create(ctx, path, job.ToProperties())
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	job.Path = rec.Path
	job.Version = rec.Version

	m.env.Metrics().JobCreated()
	m.logger.Debug("job created",
		"job_id", job.ID,
		"topic", job.Topic,
		"queue", job.Queue,
		"target", job.TargetInstance,
	)

	m.announce(ctx, job)
	return job.Clone(), nil
}

// announce передаёт job владельцу: локальной очереди напрямую,
// удалённому экземпляру уведомлением. Без уведомления владелец
// подхватит job при обходе хранилища.
func (m *Manager) announce(ctx context.Context, job *domain.Job) {
	switch job.TargetInstance {
	case "":
		return
	case m.env.LocalID():
		m.enqueue(job)
	default:
		if m.notifier == nil {
			return
		}
		if err := m.notifier.NotifyJobAdded(ctx, job.TargetInstance, job); err != nil {
			m.logger.Warn("failed to notify job owner",
				"job_id", job.ID,
				"target", job.TargetInstance,
				"error", err,
			)
		}
	}
}

// AddJob создаёт job с набором свойств. Сокращение для NewJobBuilder.
func (m *Manager) AddJob(ctx context.Context, queue, topic string, props domain.Properties) (*domain.Job, error) {
	return m.NewJobBuilder(queue, topic).Properties(props).Add(ctx)
}
