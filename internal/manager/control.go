package manager

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/store"
)

// StopJobByID поднимает флаг остановки job локально и рассылает сигнал
// остальным экземплярам. Остановка совещательная: consumer проверяет
// флаг в своих точках опроса.
func (m *Manager) StopJobByID(ctx context.Context, id string) {
	m.stopLocal(id)
	m.broadcast(ctx, mq.ControlStop, id)
}

// AbortJob останавливает job и удаляет его, если он ещё не начат.
//
// Возвращает true, если job больше не существует (в том числе если его
// не было), и false, если он всё ещё обрабатывается. Сигнал рассылается
// в любом случае: удалённый владелец мог начать обработку.
func (m *Manager) AbortJob(ctx context.Context, id string) bool {
	m.broadcast(ctx, mq.ControlAbort, id)
	m.abortLocal(ctx, id)

	for _, prefix := range m.env.Layout().LivePrefixes() {
		recs, err := m.env.Store().FindByField(ctx, prefix, domain.PropID, id)
		if err != nil {
			m.logger.Error("failed to look up job", "job_id", id, "error", err)
			return false
		}
		for _, rec := range recs {
			job := m.toJob(rec)
			if job == nil {
				continue
			}
			if job.State != domain.JobStateQueued {
				return false
			}
			if !handler.New(m.env, job).Remove(ctx) {
				return false
			}
		}
	}
	return true
}

// RetryJobByID перезапускает job из истории неуспешных.
//
// Запись истории удаляется, и создаётся новый job (с новым id) с теми же
// пользовательскими свойствами. Для живых и успешных job возвращает nil.
func (m *Manager) RetryJobByID(ctx context.Context, id string) *domain.Job {
	recs, err := m.env.Store().FindByField(ctx, m.env.Layout().CancelledPrefix(), domain.PropID, id)
	if err != nil {
		m.logger.Error("failed to look up job", "job_id", id, "error", err)
		return nil
	}
	if len(recs) == 0 {
		return nil
	}

	rec := recs[0]
	old := m.toJob(rec)
	if old == nil || !old.State.IsFailure() {
		return nil
	}

	// Удаление с проверкой версии: из конкурирующих retry побеждает один
	if err := m.env.Store().Delete(ctx, rec.Path, rec.Version); err != nil {
		if !store.IsNotFound(err) {
			m.logger.Warn("failed to remove history entry", "job_id", id, "error", err)
		}
		return nil
	}

	queueName := old.Queue
	if _, err := m.env.Configs().InfoForQueue(queueName, old.Topic); err != nil {
		queueName = ""
	}

	job, err := m.NewJobBuilder(queueName, old.Topic).Properties(old.Properties).Add(ctx)
	if err != nil {
		m.logger.Error("failed to retry job", "job_id", id, "error", err)
		if _, putErr := m.env.Store().Put(ctx, rec.Path, rec.Fields); putErr != nil {
			m.logger.Error("failed to restore history entry", "job_id", id, "error", putErr)
		}
		return nil
	}

	m.logger.Info("job retried", "job_id", id, "new_job_id", job.ID)
	return job
}

// JobControl — управление одним job, доступное его собственной логике.
type JobControl struct {
	m  *Manager
	id string
}

// Control возвращает управление job с id.
func (m *Manager) Control(id string) *JobControl {
	return &JobControl{m: m, id: id}
}

// ID возвращает id job.
func (c *JobControl) ID() string {
	return c.id
}

// Stop поднимает флаг остановки job.
func (c *JobControl) Stop(ctx context.Context) {
	c.m.StopJobByID(ctx, c.id)
}

// Abort останавливает и удаляет job. См. Manager.AbortJob.
func (c *JobControl) Abort(ctx context.Context) bool {
	return c.m.AbortJob(ctx, c.id)
}

// HandleControl применяет control-сигнал другого экземпляра.
func (m *Manager) HandleControl(ctx context.Context, signal mq.ControlPayload) {
	if signal.Origin == m.env.LocalID() {
		return
	}

	switch signal.Action {
	case mq.ControlStop:
		m.stopLocal(signal.JobID)
	case mq.ControlAbort:
		m.abortLocal(ctx, signal.JobID)
	default:
		m.logger.Warn("unknown control signal", "action", signal.Action, "job_id", signal.JobID)
	}
}

// HandleJobAdded подхватывает job, о котором сообщил создавший его экземпляр.
// Пропавшая запись и чужой job молча игнорируются.
func (m *Manager) HandleJobAdded(ctx context.Context, path string) {
	h, err := handler.Load(ctx, m.env, path)
	if err != nil {
		if store.IsNotFound(err) {
			m.logger.Debug("announced job already gone", "path", path)
			return
		}
		m.logger.Warn("failed to load announced job", "path", path, "error", err)
		return
	}

	job := h.Job()
	if job.TargetInstance != m.env.LocalID() || job.State != domain.JobStateQueued {
		return
	}
	m.enqueue(job)
}

func (m *Manager) stopLocal(id string) bool {
	for _, q := range m.localQueues() {
		if q.StopJob(id) {
			return true
		}
	}
	return false
}

// abortLocal останавливает активный job и удаляет ожидающий.
func (m *Manager) abortLocal(ctx context.Context, id string) {
	for _, q := range m.localQueues() {
		if q.StopJob(id) {
			return
		}
		if h := q.RemoveQueued(id); h != nil {
			h.Remove(ctx)
			return
		}
	}
}

func (m *Manager) broadcast(ctx context.Context, action, id string) {
	if m.notifier == nil {
		return
	}
	signal := mq.ControlPayload{Action: action, JobID: id, Origin: m.env.LocalID()}
	if err := m.notifier.BroadcastControl(ctx, signal); err != nil {
		m.logger.Warn("failed to broadcast control signal", "action", action, "job_id", id, "error", err)
	}
}
