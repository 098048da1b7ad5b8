package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default configuration values.
const (
	defaultMax          = 16
	defaultShutdownWait = 30 * time.Second
)

// Task — единица работы пула. ctx отменяется при принудительной остановке.
type Task func(ctx context.Context)

// Config — конфигурация именованного пула.
type Config struct {
	// Name — имя пула.
	Name string `yaml:"name" json:"name"`

	// Min — горутины, которые остаются в ожидании без работы.
	Min int `yaml:"min" json:"min"`

	// Max — максимальное количество одновременно выполняемых задач (default: 16).
	Max int `yaml:"max" json:"max"`

	// QueueDepth — задачи, ожидающие свободной горутины. 0 — без очереди.
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// ShutdownWait — сколько Shutdown ждёт завершения задач (default: 30s).
	ShutdownWait time.Duration `yaml:"shutdown_wait" json:"shutdown_wait"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// Stats — снимок состояния пула.
type Stats struct {
	Name     string `json:"name"`
	Max      int    `json:"max"`
	Workers  int    `json:"workers"`
	Idle     int    `json:"idle"`
	Pending  int    `json:"pending"`
	Rejected int64  `json:"rejected"`
}

// Pool — ограниченный пул горутин.
//
// Submit никогда не блокируется: если все Max горутин заняты и очередь
// QueueDepth заполнена, задача отклоняется с ErrPoolFull.
type Pool struct {
	name         string
	min          int
	max          int
	depth        int
	shutdownWait time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Task
	workers  int
	idle     int
	rejected int64
	closed   bool
	wg       sync.WaitGroup
}

// New создаёт пул и запускает Min горутин.
func New(cfg Config) *Pool {
	maxWorkers := cfg.Max
	if maxWorkers <= 0 {
		maxWorkers = defaultMax
	}

	minWorkers := cfg.Min
	if minWorkers < 0 {
		minWorkers = 0
	}
	if minWorkers > maxWorkers {
		minWorkers = maxWorkers
	}

	shutdownWait := cfg.ShutdownWait
	if shutdownWait <= 0 {
		shutdownWait = defaultShutdownWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:         cfg.Name,
		min:          minWorkers,
		max:          maxWorkers,
		depth:        max(cfg.QueueDepth, 0),
		shutdownWait: shutdownWait,
		logger:       logger.With("pool", cfg.Name),
		ctx:          ctx,
		cancel:       cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < minWorkers; i++ {
		p.workers++
		p.wg.Add(1)
		go p.worker(nil)
	}
	p.mu.Unlock()

	return p
}

// Name возвращает имя пула.
func (p *Pool) Name() string {
	return p.name
}

// Submit передаёт задачу на выполнение.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
	}

	switch {
	case p.idle > len(p.pending):
		p.pending = append(p.pending, task)
		p.cond.Signal()
	case p.workers < p.max:
		p.workers++
		p.wg.Add(1)
		go p.worker(task)
	case len(p.pending) < p.depth:
		p.pending = append(p.pending, task)
	default:
		p.rejected++
		return fmt.Errorf("%w: %s", ErrPoolFull, p.name)
	}
	return nil
}

func (p *Pool) worker(task Task) {
	defer p.wg.Done()

	for {
		if task != nil {
			p.run(task)
		}

		p.mu.Lock()
		for len(p.pending) == 0 {
			if p.closed || p.workers > p.min {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		task = p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool task panic", "panic", r)
		}
	}()
	task(p.ctx)
}

// Stats возвращает снимок состояния.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Name:     p.name,
		Max:      p.max,
		Workers:  p.workers,
		Idle:     p.idle,
		Pending:  len(p.pending),
		Rejected: p.rejected,
	}
}

// Shutdown прекращает приём задач и ждёт выполнения уже принятых,
// включая очередь, не дольше ShutdownWait. По истечении отменяет ctx задач
// и возвращает ErrShutdownTimeout.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.shutdownWait)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Debug("pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		stats := p.Stats()
		p.logger.Warn("pool shutdown timed out, cancelling tasks",
			"workers", stats.Workers,
			"pending", stats.Pending,
		)
		return fmt.Errorf("%w: %s", ErrShutdownTimeout, p.name)
	}
}
