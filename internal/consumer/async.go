package consumer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shaiso/conveyor/internal/domain"
)

// Default configuration values.
const (
	defaultAsyncWorkers = 1
	defaultAsyncBacklog = 16
)

// AsyncConfig — конфигурация Async.
type AsyncConfig struct {
	// Handler выполняет работу.
	Handler Func

	// Workers — количество собственных горутин (default: 1).
	Workers int

	// Backlog — размер собственной очереди (default: 16).
	Backlog int

	Logger *slog.Logger
}

// Async — consumer с собственным ограниченным backlog.
//
// Execute только ставит job в backlog и сразу возвращается. Когда
// backlog заполнен, Execute возвращает ErrBackpressure: job не принят,
// очередь оставит его в состоянии QUEUED и повторит позже.
type Async struct {
	handler Func
	backlog chan asyncItem
	workers int
	logger  *slog.Logger

	mu         sync.RWMutex
	closed     bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

type asyncItem struct {
	ctx     context.Context
	job     domain.Job
	token   *Token
	updates UpdateListener
	done    DoneFunc
}

// NewAsync создаёт асинхронный consumer и запускает его горутины.
func NewAsync(cfg AsyncConfig) *Async {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = defaultAsyncBacklog
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Async{
		handler: cfg.Handler,
		backlog: make(chan asyncItem, backlog),
		workers: workers,
		logger:  logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.run(ctx)
		}()
	}
	return a
}

// Execute ставит job в backlog.
func (a *Async) Execute(ctx context.Context, job domain.Job, token *Token, updates UpdateListener, done DoneFunc) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrConsumerClosed
	}

	select {
	case a.backlog <- asyncItem{ctx: ctx, job: job, token: token, updates: updates, done: done}:
		return nil
	default:
		a.logger.Debug("async backlog full", "job_id", job.ID, "topic", job.Topic)
		return ErrBackpressure
	}
}

// Pending возвращает количество job в backlog.
func (a *Async) Pending() int {
	return len(a.backlog)
}

func (a *Async) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-a.backlog:
			if !ok {
				return
			}
			item.done(a.handle(item))
		}
	}
}

// handle вызывает handler, превращая панику в результат Crashed.
func (a *Async) handle(item asyncItem) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("async consumer panicked", "job_id", item.job.ID, "panic", r)
			res = Crashed(&PanicError{Value: r})
		}
	}()
	return a.handler(item.ctx, item.job, item.token, item.updates)
}

// Close прекращает приём job и дожидается обработки backlog.
// Если ctx истекает раньше, оставшиеся job завершаются как OutcomeFailed,
// чтобы очередь повторила их.
func (a *Async) Close(ctx context.Context) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.backlog)
	a.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		a.cancelFunc()
		<-finished
		for item := range a.backlog {
			item.done(Failed("consumer closed"))
		}
	}
}
