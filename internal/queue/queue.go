package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaiso/conveyor/internal/backoff"
	"github.com/shaiso/conveyor/internal/consumer"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/pool"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/telemetry"
)

// Default configuration values.
const (
	defaultBackpressureDelay = time.Second
	defaultMaxSuspend        = 60 * time.Minute
	defaultIdleWait          = time.Second
)

// События жизненного цикла job для внешних наблюдателей.
const (
	EventStarted   = "job.started"
	EventFinished  = "job.finished"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

// Consumers выбирает consumer для topic.
// *consumer.Registry реализует этот интерфейс.
type Consumers interface {
	Get(topic string) (consumer.Consumer, error)
}

// Executor выполняет задачи очереди. *pool.Pool реализует этот интерфейс.
type Executor interface {
	Submit(task pool.Task) error
}

// Events публикует события жизненного цикла job.
type Events interface {
	PublishJobEvent(ctx context.Context, event string, job *domain.Job) error
}

// Config — конфигурация очереди.
type Config struct {
	// Info — сопоставленная конфигурация и имя очереди.
	Info queueconf.Info

	Env       *handler.Env
	Consumers Consumers
	Executor  Executor

	// Events — опциональный издатель событий.
	Events Events

	// BackpressureDelay — задержка повтора после backpressure (default: 1s).
	BackpressureDelay time.Duration

	// MaxSuspend — через сколько приостановленная очередь
	// возобновляется сама (default: 60m, < 0 — никогда).
	MaxSuspend time.Duration

	Logger *slog.Logger
}

// Queue — диспетчер job одного экземпляра.
//
// Очередь держит окно допуска размером MaxParallel и отдаёт job
// consumer'ам через пул. Политика определяет порядок допуска:
//   - UNORDERED: одна lane, допускается любой готовый job
//   - ORDERED: lane на topic, в lane не больше одного активного job,
//     повтор возвращается в голову lane
//   - TOPIC_ROUND_ROBIN: lane на topic, lanes обходятся по кругу,
//     за проход из lane допускается не больше одного job
type Queue struct {
	name        string
	cfg         queueconf.Configuration
	env         *handler.Env
	consumers   Consumers
	executor    Executor
	events      Events
	strategy    backoff.Strategy
	limiter     *rate.Limiter
	maxParallel int
	bpDelay     time.Duration
	maxSuspend  time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	lanes       map[string]*lane
	order       []string
	cursor      int
	ids         map[string]struct{}
	active      map[string]*item
	suspended   bool
	suspendedAt time.Time
	closed      bool
	stats       counters

	wake       chan struct{}
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// item — job в backlog или в обработке. На каждую попытку создаётся новый item.
type item struct {
	h        *handler.Handler
	id       string
	lane     string
	readyAt  time.Time
	queuedAt time.Time

	startedAt time.Time
	deadline  time.Time
	timedOut  bool
	claimed   atomic.Bool
}

// claim отмечает, что исход попытки обработан. Возвращает false,
// если исход уже обработан (например по таймауту).
func (it *item) claim() bool {
	return it.claimed.CompareAndSwap(false, true)
}

// New создаёт очередь. Диспетчеризация начинается после Start.
func New(cfg Config) *Queue {
	conf := cfg.Info.Config

	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Env.Logger()
	}

	bpDelay := cfg.BackpressureDelay
	if bpDelay <= 0 {
		bpDelay = defaultBackpressureDelay
	}

	maxSuspend := cfg.MaxSuspend
	if maxSuspend == 0 {
		maxSuspend = defaultMaxSuspend
	}

	var limiter *rate.Limiter
	if conf.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.RateLimit), 1)
	}

	return &Queue{
		name:        cfg.Info.QueueName,
		cfg:         conf,
		env:         cfg.Env,
		consumers:   cfg.Consumers,
		executor:    cfg.Executor,
		events:      cfg.Events,
		strategy:    backoff.New(backoff.Kind(conf.Backoff), conf.RetryDelay, 0),
		limiter:     limiter,
		maxParallel: conf.EffectiveMaxParallel(),
		bpDelay:     bpDelay,
		maxSuspend:  maxSuspend,
		logger:      telemetry.WithQueue(logger, cfg.Info.QueueName),
		lanes:       make(map[string]*lane),
		ids:         make(map[string]struct{}),
		active:      make(map[string]*item),
		wake:        make(chan struct{}, 1),
	}
}

// Name возвращает имя очереди.
func (q *Queue) Name() string {
	return q.name
}

// Configuration возвращает конфигурацию очереди.
func (q *Queue) Configuration() queueconf.Configuration {
	return q.cfg
}

// Start запускает цикл диспетчеризации.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancelFunc = cancel

	q.logger.Info("queue started",
		"type", q.cfg.Type,
		"max_parallel", q.maxParallel,
		"pool", q.cfg.Pool,
	)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Close прекращает допуск и ждёт завершения активных job, пока не истечёт ctx.
// Job из backlog остаются в хранилище в состоянии QUEUED.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if q.cancelFunc != nil {
		q.cancelFunc()
	}
	q.wg.Wait()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		active := len(q.active)
		q.mu.Unlock()

		if active == 0 {
			q.logger.Info("queue closed")
			return
		}

		select {
		case <-ctx.Done():
			q.logger.Warn("queue closed with active jobs", "active", active)
			return
		case <-ticker.C:
		}
	}
}

// Add ставит job в backlog. Возвращает false, если job уже в очереди,
// не в состоянии QUEUED или очередь закрыта.
func (q *Queue) Add(h *handler.Handler) bool {
	job := h.Job()
	if job.State != domain.JobStateQueued {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.ids[job.ID]; ok {
		return false
	}

	readyAt := q.env.Now()
	if job.RetryCount > 0 {
		// Job после повтора, подхваченный заново: выдерживаем задержку
		if at := job.QueuedAt.Add(q.retryDelay(job, 0)); at.After(readyAt) {
			readyAt = at
		}
	}

	q.ids[job.ID] = struct{}{}
	q.laneFor(q.laneKey(job.Topic)).pushBack(&item{
		h:        h,
		id:       job.ID,
		lane:     q.laneKey(job.Topic),
		readyAt:  readyAt,
		queuedAt: job.QueuedAt,
	})
	q.notify()
	return true
}

// Contains проверяет, находится ли job в backlog или в обработке.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

// StopJob поднимает флаг остановки активного job.
// Возвращает false, если job не обрабатывается этой очередью.
func (q *Queue) StopJob(id string) bool {
	q.mu.Lock()
	it, ok := q.active[id]
	q.mu.Unlock()

	if !ok {
		return false
	}
	it.h.Stop()
	return true
}

// RemoveQueued убирает job из backlog и возвращает его Handler.
// nil, если job не в backlog.
func (q *Queue) RemoveQueued(id string) *handler.Handler {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, l := range q.lanes {
		if it := l.remove(id); it != nil {
			delete(q.ids, id)
			return it.h
		}
	}
	return nil
}

// Suspend приостанавливает допуск новых job. Активные job завершаются.
func (q *Queue) Suspend() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.suspended {
		return
	}
	q.suspended = true
	q.suspendedAt = q.env.Now()
	q.logger.Info("queue suspended")
}

// Resume возобновляет допуск с того же backlog и позиции обхода lanes.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.suspended {
		return
	}
	q.suspended = false
	q.logger.Info("queue resumed")
	q.notify()
}

// IsSuspended проверяет, приостановлена ли очередь.
func (q *Queue) IsSuspended() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suspended
}

// Clear удаляет все job из backlog вместе с их записями.
// Активные job не затрагиваются. Возвращает количество удалённых.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	var items []*item
	for _, l := range q.lanes {
		items = append(items, l.items...)
		l.items = nil
	}
	for _, it := range items {
		delete(q.ids, it.id)
	}
	q.prune()
	q.mu.Unlock()

	removed := 0
	for _, it := range items {
		if it.h.Remove(ctx) {
			removed++
		}
	}
	q.logger.Info("queue cleared", "removed", removed)
	return removed
}

// run — цикл диспетчеризации.
func (q *Queue) run(ctx context.Context) {
	timer := time.NewTimer(defaultIdleWait)
	defer timer.Stop()

	for {
		next := q.dispatch()
		timer.Reset(next)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// notify будит цикл диспетчеризации. Вызывается под mu или без него.
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch допускает готовые job в пределах окна и возвращает,
// через сколько стоит проверить очередь снова.
func (q *Queue) dispatch() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return defaultIdleWait
	}

	now := q.env.Now()
	q.checkTimeouts(now)

	if q.suspended {
		if q.maxSuspend < 0 || now.Sub(q.suspendedAt) < q.maxSuspend {
			return q.nextWake(now)
		}
		q.suspended = false
		q.logger.Warn("queue resumed after maximum suspend time", "suspended_at", q.suspendedAt)
	}

	limited := false
	for len(q.active) < q.maxParallel {
		idx, pos := q.pick(now)
		if idx < 0 {
			break
		}
		if q.limiter != nil && !q.limiter.AllowN(now, 1) {
			limited = true
			break
		}

		l := q.lanes[q.order[idx]]
		it := l.take(pos)
		q.cursor = (idx + 1) % len(q.order)

		if !q.admit(l, it, now) {
			q.cursor = idx
			break
		}
	}

	q.prune()
	q.reportSize()

	next := q.nextWake(now)
	if limited {
		if wait := time.Duration(float64(time.Second) / q.cfg.RateLimit); wait < next {
			next = wait
		}
	}
	return next
}

// pick выбирает lane начиная с курсора. Возвращает индекс lane в order
// и позицию job в lane, или -1.
func (q *Queue) pick(now time.Time) (int, int) {
	n := len(q.order)
	ordered := q.cfg.Type == queueconf.TypeOrdered

	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		l := q.lanes[q.order[idx]]
		if ordered && l.active > 0 {
			continue
		}
		if pos := l.next(now, ordered); pos >= 0 {
			return idx, pos
		}
	}
	return -1, -1
}

// admit передаёт job в пул. Вызывается под mu.
func (q *Queue) admit(l *lane, it *item, now time.Time) bool {
	q.active[it.id] = it
	l.active++
	l.admitted++

	err := q.executor.Submit(func(ctx context.Context) {
		q.process(ctx, it)
	})
	if err == nil {
		return true
	}

	delete(q.active, it.id)
	l.active--
	l.admitted--

	if errors.Is(err, pool.ErrPoolFull) {
		q.stats.requeued++
		it.readyAt = now.Add(q.bpDelay)
		l.pushFront(it)
		q.logger.Debug("pool full, job stays queued", "job_id", it.id)
		return false
	}

	delete(q.ids, it.id)
	q.logger.Warn("cannot submit job", "job_id", it.id, "error", err)
	return false
}

// process выполняет одну попытку job в горутине пула.
func (q *Queue) process(ctx context.Context, it *item) {
	h := it.h
	if !h.StartProcessing(ctx, q.name) {
		// Запись изменилась или исчезла: job больше не наш
		q.release(it)
		return
	}
	job := h.Job()

	q.mu.Lock()
	it.startedAt = q.env.Now()
	if q.cfg.JobTimeout > 0 {
		it.deadline = it.startedAt.Add(q.cfg.JobTimeout)
	}
	q.stats.started(it.startedAt, it.startedAt.Sub(it.queuedAt))
	q.mu.Unlock()

	q.publish(ctx, EventStarted, job)

	c, err := q.consumers.Get(job.Topic)
	if err != nil {
		q.logger.Warn("no consumer for job, reassigning", "job_id", job.ID, "topic", job.Topic)
		if it.claim() {
			h.Reassign(ctx)
			q.release(it)
		}
		return
	}

	done, called := consumer.Once(func(res consumer.Result) {
		q.complete(ctx, it, res, nil)
	})

	err = q.execute(ctx, c, job, h, done)
	var panicErr *consumer.PanicError
	switch {
	case err == nil:
	case called():
		q.logger.Warn("consumer returned error after done", "job_id", job.ID, "error", err)
	case errors.Is(err, consumer.ErrBackpressure):
		q.backpressure(ctx, it)
	case errors.As(err, &panicErr):
		q.complete(ctx, it, consumer.Result{}, err)
	default:
		done(consumer.Failed(err.Error()))
	}
}

// execute вызывает consumer, превращая панику в *consumer.PanicError.
func (q *Queue) execute(ctx context.Context, c consumer.Consumer, job *domain.Job, h *handler.Handler, done consumer.DoneFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &consumer.PanicError{Value: r}
		}
	}()
	ctx = telemetry.WithLogger(ctx, h.Logger())
	return c.Execute(ctx, *job, h.Token(), h.Listener(ctx), done)
}

// backpressure возвращает job в QUEUED после отказа consumer'а принять его.
func (q *Queue) backpressure(ctx context.Context, it *item) {
	if !it.claim() {
		return
	}
	requeued := it.h.Requeue(ctx)

	q.mu.Lock()
	q.stats.requeued++
	q.mu.Unlock()

	q.logger.Debug("consumer backlog full, job stays queued", "job_id", it.id, "requeued", requeued)
	q.retryLater(it, requeued, q.bpDelay, true)
}

// complete маршрутизирует итог попытки.
//
//	succeeded              -> SUCCEEDED (в истории при KeepJobs)
//	failed, таймаут        -> Reschedule или GIVEN_UP по retry-бюджету
//	cancelled, был Stop    -> STOPPED
//	cancelled без Stop     -> ERROR
//	паника consumer'а      -> ERROR
func (q *Queue) complete(ctx context.Context, it *item, res consumer.Result, failure error) {
	if !it.claim() {
		return
	}
	h := it.h

	q.mu.Lock()
	elapsed := q.env.Now().Sub(it.startedAt)
	q.mu.Unlock()

	if failure == nil {
		failure = res.Err
	}

	var (
		state domain.JobState
		retry bool
		msg   = res.Message
	)
	switch {
	case failure != nil:
		state = domain.JobStateError
		msg = failure.Error()
		q.logger.Error("consumer failed", "job_id", it.id, "error", failure)
	case res.Outcome == consumer.OutcomeSucceeded:
		state = domain.JobStateSucceeded
	case res.Outcome == consumer.OutcomeFailed:
		retry = true
	case res.Outcome == consumer.OutcomeCancelled && h.IsStopped():
		state = domain.JobStateStopped
	default:
		state = domain.JobStateError
	}
	h.SetResult(msg, res.RetryDelay)

	if retry {
		rescheduled := h.Reschedule(ctx)
		job := h.Job()

		q.mu.Lock()
		switch {
		case rescheduled:
			q.stats.failed++
		case job.State == domain.JobStateGivenUp:
			q.stats.finished(domain.JobStateGivenUp, q.env.Now(), elapsed)
		}
		q.mu.Unlock()

		if rescheduled {
			q.publish(ctx, EventFailed, job)
			q.retryLater(it, true, q.retryDelay(job, res.RetryDelay), q.cfg.Type == queueconf.TypeOrdered)
			return
		}
		if job.State == domain.JobStateGivenUp {
			q.publish(ctx, EventCancelled, job)
		}
		q.release(it)
		return
	}

	keep := state != domain.JobStateSucceeded || q.cfg.KeepJobs
	if h.Finished(ctx, state, keep, elapsed) {
		q.mu.Lock()
		q.stats.finished(state, q.env.Now(), elapsed)
		q.mu.Unlock()

		event := EventCancelled
		if state == domain.JobStateSucceeded {
			event = EventFinished
		}
		q.publish(ctx, event, h.Job())
	}
	q.release(it)
}

// retryLater освобождает слот и, если requeue удался, возвращает job
// в lane новой попыткой через delay.
func (q *Queue) retryLater(it *item, requeued bool, delay time.Duration, front bool) {
	if !requeued {
		q.release(it)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(it)
	if q.closed {
		delete(q.ids, it.id)
		return
	}

	job := it.h.Job()
	next := &item{
		h:        it.h,
		id:       it.id,
		lane:     it.lane,
		readyAt:  q.env.Now().Add(delay),
		queuedAt: job.QueuedAt,
	}
	l := q.laneFor(it.lane)
	if front {
		l.pushFront(next)
	} else {
		l.pushBack(next)
	}
	q.notify()
}

// release освобождает слот и забывает job.
func (q *Queue) release(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.releaseLocked(it)
	delete(q.ids, it.id)
	q.notify()
}

func (q *Queue) releaseLocked(it *item) {
	if _, ok := q.active[it.id]; !ok {
		return
	}
	delete(q.active, it.id)
	if l, ok := q.lanes[it.lane]; ok {
		l.active--
	}
	q.reportSize()
}

// checkTimeouts завершает попытки, превысившие JobTimeout. Consumer
// не прерывается: поднимается флаг остановки, а его поздний результат
// игнорируется. Вызывается под mu.
func (q *Queue) checkTimeouts(now time.Time) {
	for _, it := range q.active {
		if it.deadline.IsZero() || it.timedOut || now.Before(it.deadline) {
			continue
		}
		it.timedOut = true
		it.h.Stop()
		q.logger.Warn("job timed out", "job_id", it.id, "timeout", q.cfg.JobTimeout)
		go q.complete(context.Background(), it, consumer.Failed("job timeout"), nil)
	}
}

// retryDelay — задержка перед следующей попыткой: из результата
// consumer'а, из job.retry.delay или по стратегии очереди.
func (q *Queue) retryDelay(job *domain.Job, fromResult time.Duration) time.Duration {
	switch {
	case fromResult > 0:
		return fromResult
	case job.RetryDelay > 0:
		return job.RetryDelay
	default:
		return q.strategy.Delay(job.RetryCount)
	}
}

// nextWake вычисляет время до ближайшего события: готовности job,
// таймаута или автоматического возобновления. Вызывается под mu.
func (q *Queue) nextWake(now time.Time) time.Duration {
	next := defaultIdleWait

	consider := func(at time.Time) {
		if d := at.Sub(now); d < next {
			next = max(d, time.Millisecond)
		}
	}

	if q.suspended {
		if q.maxSuspend > 0 {
			consider(q.suspendedAt.Add(q.maxSuspend))
		}
	} else {
		for _, l := range q.lanes {
			for _, it := range l.items {
				consider(it.readyAt)
			}
		}
	}
	for _, it := range q.active {
		if !it.deadline.IsZero() && !it.timedOut {
			consider(it.deadline)
		}
	}
	return next
}

func (q *Queue) laneKey(topic string) string {
	if q.cfg.Type == queueconf.TypeUnordered {
		return ""
	}
	return topic
}

// laneFor возвращает lane, создавая её в конце круга обхода.
func (q *Queue) laneFor(key string) *lane {
	if l, ok := q.lanes[key]; ok {
		return l
	}
	l := &lane{key: key}
	q.lanes[key] = l
	q.order = append(q.order, key)
	return l
}

// prune убирает пустые lanes без активных job, сохраняя позицию курсора.
func (q *Queue) prune() {
	n := len(q.order)
	empty := 0
	for _, key := range q.order {
		if q.lanes[key].idle() {
			empty++
		}
	}
	if empty == 0 {
		return
	}

	// Курсор указывает на первую непустую lane, начиная с текущей
	cursorKey := ""
	for i := 0; i < n; i++ {
		key := q.order[(q.cursor+i)%n]
		if !q.lanes[key].idle() {
			cursorKey = key
			break
		}
	}

	kept := make([]string, 0, n-empty)
	q.cursor = 0
	for _, key := range q.order {
		if q.lanes[key].idle() {
			delete(q.lanes, key)
			continue
		}
		if key == cursorKey {
			q.cursor = len(kept)
		}
		kept = append(kept, key)
	}
	q.order = kept
}

func (q *Queue) reportSize() {
	queued := 0
	for _, l := range q.lanes {
		queued += len(l.items)
	}
	q.env.Metrics().QueueSize(q.name, len(q.active), queued)
}

func (q *Queue) publish(ctx context.Context, event string, job *domain.Job) {
	if q.events == nil {
		return
	}
	if err := q.events.PublishJobEvent(ctx, event, job); err != nil {
		q.logger.Warn("failed to publish job event", "event", event, "job_id", job.ID, "error", err)
	}
}
