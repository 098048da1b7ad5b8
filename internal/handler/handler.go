package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/conveyor/internal/consumer"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/store"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Handler выполняет переходы жизненного цикла одного job.
//
// Каждая операция — один оптимистичный коммит записи. Неудача
// возвращается как false и логируется; состояние job в хранилище при этом
// не меняется, и операцию можно повторить.
type Handler struct {
	env    *Env
	logger *slog.Logger

	mu    sync.Mutex
	job   *domain.Job
	token *consumer.Token
}

// New создаёт Handler для job, прочитанного из хранилища.
func New(env *Env, job *domain.Job) *Handler {
	logger := telemetry.WithJobID(env.logger, job.ID)
	logger = telemetry.WithTopic(logger, job.Topic)

	return &Handler{
		env:    env,
		logger: logger,
		job:    job.Clone(),
	}
}

// Load читает job по пути и создаёт для него Handler.
func Load(ctx context.Context, env *Env, path string) (*Handler, error) {
	rec, err := env.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	job, err := domain.JobFromProperties(rec.Path, rec.Version, rec.Fields)
	if err != nil {
		return nil, err
	}
	return New(env, job), nil
}

// Job возвращает снимок job.
func (h *Handler) Job() *domain.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}

// Logger возвращает логгер с job_id и topic.
func (h *Handler) Logger() *slog.Logger {
	return h.logger
}

// Token возвращает токен остановки текущей обработки (nil до StartProcessing).
func (h *Handler) Token() *consumer.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// StartProcessing сбрасывает флаг остановки и сохраняет маркер started.
func (h *Handler) StartProcessing(ctx context.Context, queue string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.job.State.CanTransition(domain.JobStateActive) {
		h.logger.Debug("cannot start job", "state", h.job.State, "error", ErrInvalidTransition)
		return false
	}

	now := h.env.Now()
	set := domain.Properties{
		domain.PropStarted:         domain.Timestamp(now),
		domain.PropStartedInstance: domain.Text(h.env.LocalID()),
		domain.PropQueue:           domain.Text(queue),
	}
	remove := []string{domain.PropLeaseUntil}

	var lease *time.Time
	if ttl := h.env.leaseTTL; ttl > 0 {
		until := now.Add(ttl)
		lease = &until
		set[domain.PropLeaseUntil] = domain.Timestamp(until)
		remove = nil
	}

	rec, err := h.env.store.Commit(ctx, h.job.Path, h.job.Version, set, remove)
	if err != nil {
		h.env.logStoreError(h.logger, "start", err)
		return false
	}

	h.token = consumer.NewToken()
	h.job.Version = rec.Version
	h.job.State = domain.JobStateActive
	h.job.StartedAt = &now
	h.job.StartedInstance = h.env.LocalID()
	h.job.Queue = queue
	h.job.LeaseUntil = lease
	return true
}

// Reschedule возвращает job в очередь для следующей попытки:
// retryCount+1, маркер started снимается, время постановки обновляется.
// Если retry-бюджет исчерпан, job завершается как GIVEN_UP и
// возвращается false.
func (h *Handler) Reschedule(ctx context.Context) bool {
	h.mu.Lock()
	state := h.job.State
	canRetry := h.job.CanRetry()
	h.mu.Unlock()

	if !state.CanTransition(domain.JobStateQueued) {
		h.logger.Debug("cannot reschedule job", "state", state, "error", ErrInvalidTransition)
		return false
	}
	if !canRetry {
		h.logger.Info("retry budget exhausted, giving up")
		h.Finished(ctx, domain.JobStateGivenUp, true, 0)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.env.Now()
	set := domain.Properties{
		domain.PropRetryCount: domain.Int(h.job.RetryCount + 1),
		domain.PropQueued:     domain.Timestamp(now),
	}
	if h.job.ResultMessage != "" {
		set[domain.PropResultMessage] = domain.Text(h.job.ResultMessage)
	}
	if h.job.RetryDelay > 0 {
		set[domain.PropRetryDelay] = domain.Number(float64(h.job.RetryDelay.Milliseconds()))
	}

	rec, err := h.env.store.Commit(ctx, h.job.Path, h.job.Version, set, clearStarted())
	if err != nil {
		h.env.logStoreError(h.logger, "reschedule", err)
		return false
	}

	h.job.Version = rec.Version
	h.job.RetryCount++
	h.job.QueuedAt = now
	h.resetStarted()
	h.env.metrics.JobRescheduled()
	return true
}

// Requeue снимает маркер started, не расходуя retry-бюджет.
// Используется, когда consumer не принял job из-за backpressure.
func (h *Handler) Requeue(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.job.StartedAt == nil {
		return true
	}

	rec, err := h.env.store.Commit(ctx, h.job.Path, h.job.Version, nil, clearStarted())
	if err != nil {
		h.env.logStoreError(h.logger, "requeue", err)
		return false
	}

	h.job.Version = rec.Version
	h.resetStarted()
	return true
}

// Finished завершает job в финальном состоянии state.
//
// Если keep, свойства job копируются в запись истории с маркером
// финального состояния. Время завершения для SUCCEEDED — started + duration,
// для остальных состояний — текущее. Затем живая запись удаляется.
// Без keep только удаляется живая запись. Повторный вызов безопасен:
// уже записанная история и уже удалённая запись считаются успехом.
func (h *Handler) Finished(ctx context.Context, state domain.JobState, keep bool, duration time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !state.IsTerminal() {
		h.logger.Error("finished with non-terminal state", "state", state, "error", ErrInvalidTransition)
		return false
	}
	if h.job.State.IsTerminal() {
		// Уже завершён: повтор с тем же исходом — успех, другой исход невозможен
		return h.job.State == state
	}
	if !h.job.State.CanTransition(state) {
		h.logger.Debug("cannot finish job", "state", h.job.State, "to", state, "error", ErrInvalidTransition)
		return false
	}

	now := h.env.Now()
	finishedAt := now
	if state == domain.JobStateSucceeded && h.job.StartedAt != nil {
		finishedAt = h.job.StartedAt.Add(duration)
	}

	if keep {
		historyPath := h.env.layout.HistoryPath(h.job.Topic, h.job.ID, state == domain.JobStateSucceeded)
		if !h.historyRecorded(ctx, historyPath, state) {
			snapshot := h.job.Clone()
			snapshot.State = state
			snapshot.FinishedAt = &finishedAt
			snapshot.LeaseUntil = nil

			if _, err := h.env.store.Put(ctx, historyPath, snapshot.ToProperties()); err != nil {
				h.env.logStoreError(h.logger, "finish", err)
				return false
			}
		}
	}

	// Живую запись удаляем без проверки версии: история уже записана,
	// а исход job определён.
	if err := h.env.store.Delete(ctx, h.job.Path, store.AnyVersion); err != nil && !store.IsNotFound(err) {
		h.env.logStoreError(h.logger, "finish", err)
		return false
	}

	already := h.job.State == state
	h.job.State = state
	h.job.FinishedAt = &finishedAt
	if keep {
		h.job.Path = h.env.layout.HistoryPath(h.job.Topic, h.job.ID, state == domain.JobStateSucceeded)
	}

	if !already {
		var d time.Duration
		if h.job.StartedAt != nil {
			d = finishedAt.Sub(*h.job.StartedAt)
		}
		h.env.metrics.JobFinished(h.job.Queue, string(state), d)
		h.logger.Info("job finished", "state", state, "keep", keep, "duration", d)
	}
	return true
}

// RecordedOutcome ищет запись истории job и возвращает её финальное состояние.
// Находит job, чья история записана, а живая запись не была удалена.
func (h *Handler) RecordedOutcome(ctx context.Context) (domain.JobState, bool) {
	h.mu.Lock()
	topic, id := h.job.Topic, h.job.ID
	h.mu.Unlock()

	for _, success := range []bool{true, false} {
		rec, err := h.env.store.Get(ctx, h.env.layout.HistoryPath(topic, id, success))
		if err != nil {
			continue
		}
		if state, ok := rec.Fields[domain.PropFinishedState].State(); ok && state.IsTerminal() {
			return state, true
		}
	}
	return "", false
}

// historyRecorded проверяет, записана ли уже история с тем же состоянием.
func (h *Handler) historyRecorded(ctx context.Context, path string, state domain.JobState) bool {
	rec, err := h.env.store.Get(ctx, path)
	if err != nil {
		return false
	}
	got, ok := rec.Fields[domain.PropFinishedState].State()
	return ok && got == state
}

// Reassign пересчитывает целевой экземпляр по текущей топологии и
// переносит запись. Маркер started снимается, retryCount сохраняется.
// Без подходящего владельца job становится неназначенным.
// Для очереди типа DROP запись удаляется.
func (h *Handler) Reassign(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := h.env.configs.Info(h.job.Topic)
	if info.Config.Type == queueconf.TypeDrop {
		if err := h.env.store.Delete(ctx, h.job.Path, h.job.Version); err != nil && !store.IsNotFound(err) {
			h.env.logStoreError(h.logger, "reassign", err)
			return false
		}
		h.logger.Info("job dropped by queue configuration", "queue", info.QueueName)
		return true
	}

	props := h.job.ToProperties()
	target := h.env.Capabilities().DetectTarget(h.job.Topic, props, info)

	for _, name := range clearStarted() {
		delete(props, name)
	}
	if target == "" {
		delete(props, domain.PropTargetInstance)
	} else {
		props[domain.PropTargetInstance] = domain.Text(target)
	}
	props[domain.PropQueue] = domain.Text(info.QueueName)

	newPath := h.env.layout.JobPath(h.job.Topic, target, h.job.ID)
	rec, err := h.env.store.Move(ctx, h.job.Path, h.job.Version, newPath, props)
	if err != nil {
		h.env.logStoreError(h.logger, "reassign", err)
		return false
	}

	if h.job.TargetInstance != target {
		h.env.metrics.JobReassigned()
		h.logger.Debug("job reassigned", "from", h.job.TargetInstance, "to", target)
	}

	h.job.Path = rec.Path
	h.job.Version = rec.Version
	h.job.TargetInstance = target
	h.job.Queue = info.QueueName
	h.resetStarted()
	return true
}

// Remove удаляет живую запись job, который не начинал обработку.
// Отсутствующая запись считается успехом.
func (h *Handler) Remove(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.job.State != domain.JobStateQueued {
		h.logger.Debug("cannot remove job", "state", h.job.State, "error", ErrInvalidTransition)
		return false
	}
	if err := h.env.store.Delete(ctx, h.job.Path, h.job.Version); err != nil && !store.IsNotFound(err) {
		h.env.logStoreError(h.logger, "remove", err)
		return false
	}
	return true
}

// PersistJobProperties записывает только перечисленные свойства;
// отсутствующие у job свойства удаляются из записи.
func (h *Handler) PersistJobProperties(ctx context.Context, names ...string) bool {
	if len(names) == 0 {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	set := domain.Properties{}
	var remove []string
	for _, name := range names {
		if v, ok := h.job.Property(name); ok {
			set[name] = v
		} else {
			remove = append(remove, name)
		}
	}

	rec, err := h.env.store.Commit(ctx, h.job.Path, h.job.Version, set, remove)
	if err != nil {
		h.env.logStoreError(h.logger, "persist", err)
		return false
	}
	h.job.Version = rec.Version
	return true
}

// SetProperty меняет свойство job в памяти. Сохраняется через
// PersistJobProperties.
func (h *Handler) SetProperty(name string, v domain.Value) error {
	if domain.IsReserved(name) {
		return fmt.Errorf("%w: %s", domain.ErrReservedProperty, name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.job.Properties == nil {
		h.job.Properties = domain.Properties{}
	}
	if v.IsZero() {
		delete(h.job.Properties, name)
	} else {
		h.job.Properties[name] = v
	}
	return nil
}

// SetResult запоминает сообщение и задержку повтора из результата consumer'а.
// Сохраняются следующим Reschedule или Finished.
func (h *Handler) SetResult(message string, retryDelay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if message != "" {
		h.job.ResultMessage = message
	}
	if retryDelay > 0 {
		h.job.RetryDelay = retryDelay
	}
}

// Update сохраняет progress-аннотацию consumer'а.
func (h *Handler) Update(ctx context.Context, key string, value domain.Value) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := domain.Properties{domain.PropProgressPrefix + key: value}
	rec, err := h.env.store.Commit(ctx, h.job.Path, h.job.Version, set, nil)
	if err != nil {
		h.env.logStoreError(h.logger, "update", err)
		return false
	}

	if h.job.Progress == nil {
		h.job.Progress = domain.Properties{}
	}
	h.job.Progress[key] = value
	h.job.Version = rec.Version
	return true
}

// Listener возвращает UpdateListener, сохраняющий аннотации через Update.
func (h *Handler) Listener(ctx context.Context) consumer.UpdateListener {
	return consumer.UpdateFunc(func(key string, value domain.Value) {
		h.Update(ctx, key, value)
	})
}

// Stop поднимает флаг остановки. Consumer проверяет его в своих
// контрольных точках; вытеснения нет.
func (h *Handler) Stop() {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()

	if token != nil {
		token.Stop()
	}
}

// IsStopped проверяет, поднят ли флаг остановки.
func (h *Handler) IsStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token != nil && h.token.Stopped()
}

// clearStarted — свойства, снимаемые при возврате job в очередь.
func clearStarted() []string {
	return []string{domain.PropStarted, domain.PropStartedInstance, domain.PropLeaseUntil}
}

func (h *Handler) resetStarted() {
	h.job.State = domain.JobStateQueued
	h.job.StartedAt = nil
	h.job.StartedInstance = ""
	h.job.LeaseUntil = nil
}
