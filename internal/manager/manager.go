package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/pool"
	"github.com/shaiso/conveyor/internal/queue"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/topology"
)

// Default configuration values.
const (
	defaultSweepInterval = 30 * time.Second
	defaultShutdownWait  = 30 * time.Second
)

// Tracker — источник снимков состава кластера.
// *topology.Tracker реализует этот интерфейс.
type Tracker interface {
	Current() *topology.Capabilities
	Subscribe() <-chan *topology.Capabilities
}

// Notifier доставляет уведомления другим экземплярам.
// *mq.Publisher реализует этот интерфейс.
type Notifier interface {
	// NotifyJobAdded сообщает экземпляру instance о новом job.
	NotifyJobAdded(ctx context.Context, instance string, job *domain.Job) error

	// BroadcastControl рассылает control-сигнал всем экземплярам.
	BroadcastControl(ctx context.Context, signal mq.ControlPayload) error
}

// Config — конфигурация Manager.
type Config struct {
	Env       *handler.Env
	Tracker   Tracker
	Consumers queue.Consumers
	Pools     *pool.Provider

	// Notifier и Events опциональны: без них экземпляры узнают о job
	// только из периодического обхода хранилища.
	Notifier Notifier
	Events   queue.Events

	// SweepInterval — период обхода хранилища (default: 30s).
	SweepInterval time.Duration

	// ShutdownWait — сколько Stop ждёт активные job (default: 30s).
	ShutdownWait time.Duration

	// BackpressureDelay и MaxSuspend передаются очередям.
	BackpressureDelay time.Duration
	MaxSuspend        time.Duration

	Logger *slog.Logger
}

// Manager — фасад движка job одного экземпляра.
//
// Manager создаёт job, отвечает на запросы, рассылает control-сигналы
// и держит локальные очереди. Фоновые циклы:
//   - обход хранилища: подхват своих job, восстановление брошенных,
//     на лидере переназначение job ушедших экземпляров
//   - реакция на изменение состава кластера
//   - перезапуск очередей при изменении конфигураций
type Manager struct {
	env       *handler.Env
	tracker   Tracker
	consumers queue.Consumers
	pools     *pool.Provider
	notifier  Notifier
	events    queue.Events

	sweepInterval     time.Duration
	shutdownWait      time.Duration
	backpressureDelay time.Duration
	maxSuspend        time.Duration
	logger            *slog.Logger

	mu      sync.Mutex
	queues  map[string]*managedQueue
	running bool
	ctx     context.Context

	cancelFunc context.CancelFunc
	group      *errgroup.Group
}

// managedQueue — запущенная очередь и topic, по которому она сопоставлена.
type managedQueue struct {
	q     *queue.Queue
	topic string
}

// New создаёт Manager. Фоновые циклы запускаются в Start.
func New(cfg Config) *Manager {
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	shutdownWait := cfg.ShutdownWait
	if shutdownWait <= 0 {
		shutdownWait = defaultShutdownWait
	}

	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Env.Logger()
	}

	pools := cfg.Pools
	if pools == nil {
		pools = pool.NewProvider(pool.Config{Logger: logger})
	}

	return &Manager{
		env:               cfg.Env,
		tracker:           cfg.Tracker,
		consumers:         cfg.Consumers,
		pools:             pools,
		notifier:          cfg.Notifier,
		events:            cfg.Events,
		sweepInterval:     sweepInterval,
		shutdownWait:      shutdownWait,
		backpressureDelay: cfg.BackpressureDelay,
		maxSuspend:        cfg.MaxSuspend,
		logger:            telemetry.WithInstance(logger, cfg.Env.LocalID()),
		queues:            make(map[string]*managedQueue),
		ctx:               context.Background(),
	}
}

// Start запускает очереди и фоновые циклы.
//
// Очереди из статических конфигураций создаются сразу в порядке
// приоритета; очереди с {0} в имени создаются при первом job.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		return errors.New("manager already started")
	}
	m.ctx = gctx
	m.cancelFunc = cancel
	m.group = g

	configs := m.env.Configs().Configurations()
	sort.SliceStable(configs, func(i, j int) bool {
		return configs[i].Priority.Rank() > configs[j].Priority.Rank()
	})
	for _, c := range configs {
		if !c.Type.IsProcessing() || strings.Contains(c.Name, "{0}") {
			continue
		}
		m.queueForLocked(queueconf.Info{Config: c, QueueName: c.Name}, firstTopic(c))
	}
	for _, e := range m.queues {
		e.q.Start(gctx)
	}
	m.running = true
	m.mu.Unlock()

	m.logger.Info("starting job manager",
		"sweep_interval", m.sweepInterval,
		"queues", len(configs),
	)

	topologyCh := m.tracker.Subscribe()
	configCh := m.env.Configs().Subscribe()

	g.Go(func() error {
		m.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		m.topologyLoop(gctx, topologyCh)
		return nil
	})
	g.Go(func() error {
		m.configLoop(gctx, configCh)
		return nil
	})

	m.logger.Info("job manager started")
	return nil
}

// Stop останавливает фоновые циклы, закрывает очереди и пулы.
// Активные job получают ShutdownWait на завершение.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, g := m.cancelFunc, m.group
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, e := range m.queues {
		queues = append(queues, e.q)
	}
	m.mu.Unlock()

	m.logger.Info("stopping job manager...", "queues", len(queues))

	cancel()
	_ = g.Wait()

	ctx, cancelWait := context.WithTimeout(ctx, m.shutdownWait)
	defer cancelWait()

	var closing errgroup.Group
	for _, q := range queues {
		closing.Go(func() error {
			q.Close(ctx)
			return nil
		})
	}
	_ = closing.Wait()

	if err := m.pools.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown pools: %w", err)
	}

	m.logger.Info("job manager stopped")
	return nil
}

// Queues возвращает имена запущенных очередей.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queue возвращает очередь по имени или nil.
func (m *Manager) Queue(name string) *queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.queues[name]; ok {
		return e.q
	}
	return nil
}

// SuspendQueue приостанавливает очередь.
func (m *Manager) SuspendQueue(name string) error {
	q := m.Queue(name)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	q.Suspend()
	return nil
}

// ResumeQueue возобновляет очередь.
func (m *Manager) ResumeQueue(name string) error {
	q := m.Queue(name)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	q.Resume()
	return nil
}

// ClearQueue удаляет все ожидающие job очереди. Возвращает их количество.
func (m *Manager) ClearQueue(ctx context.Context, name string) (int, error) {
	q := m.Queue(name)
	if q == nil {
		return 0, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q.Clear(ctx), nil
}

// Statistics возвращает статистику очередей, отсортированную по имени.
func (m *Manager) Statistics() []queue.Statistics {
	m.mu.Lock()
	queues := make([]*queue.Queue, 0, len(m.queues))
	for _, e := range m.queues {
		queues = append(queues, e.q)
	}
	m.mu.Unlock()

	stats := make([]queue.Statistics, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Statistics())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Topology возвращает текущий снимок состава кластера.
func (m *Manager) Topology() *topology.Capabilities {
	return m.tracker.Current()
}

// LocalID возвращает идентификатор локального экземпляра.
func (m *Manager) LocalID() string {
	return m.env.LocalID()
}

// infoFor сопоставляет job с конфигурацией: по имени очереди из записи,
// если такая очередь ещё настроена, иначе по topic.
func (m *Manager) infoFor(job *domain.Job) queueconf.Info {
	if job.Queue != "" {
		if info, err := m.env.Configs().InfoForQueue(job.Queue, job.Topic); err == nil {
			return info
		}
	}
	return m.env.Configs().Info(job.Topic)
}

// enqueue ставит job в локальную очередь. Возвращает false, если job
// уже в очереди или его тип очереди не выполняет job.
func (m *Manager) enqueue(job *domain.Job) bool {
	info := m.infoFor(job)
	if !info.Config.Type.IsProcessing() {
		return false
	}

	m.mu.Lock()
	q := m.queueForLocked(info, job.Topic)
	m.mu.Unlock()

	return q.Add(handler.New(m.env, job))
}

// queueForLocked возвращает очередь для info, создавая её. Вызывается под mu.
func (m *Manager) queueForLocked(info queueconf.Info, topic string) *queue.Queue {
	if e, ok := m.queues[info.QueueName]; ok {
		return e.q
	}

	q := queue.New(queue.Config{
		Info:              info,
		Env:               m.env,
		Consumers:         m.consumers,
		Executor:          m.pools.Get(info.Config.Pool),
		Events:            m.events,
		BackpressureDelay: m.backpressureDelay,
		MaxSuspend:        m.maxSuspend,
		Logger:            m.logger,
	})
	m.queues[info.QueueName] = &managedQueue{q: q, topic: topic}

	if m.running {
		q.Start(m.ctx)
	}
	return q
}

// tracked проверяет, находится ли job в одной из локальных очередей.
func (m *Manager) tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queues {
		if e.q.Contains(id) {
			return true
		}
	}
	return false
}

// localQueues возвращает снимок запущенных очередей.
func (m *Manager) localQueues() []*queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*queue.Queue, 0, len(m.queues))
	for _, e := range m.queues {
		out = append(out, e.q)
	}
	return out
}

// reconfigure закрывает очереди, чья конфигурация изменилась.
// Их backlog остаётся в хранилище и подхватывается следующим обходом
// уже новыми очередями.
func (m *Manager) reconfigure(ctx context.Context) {
	m.mu.Lock()
	var stale []*queue.Queue
	for name, e := range m.queues {
		info := m.env.Configs().Info(e.topic)
		if info.QueueName == name && reflect.DeepEqual(info.Config, e.q.Configuration()) {
			continue
		}
		stale = append(stale, e.q)
		delete(m.queues, name)
	}
	m.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	closeCtx, cancel := context.WithTimeout(ctx, m.shutdownWait)
	defer cancel()

	var closing errgroup.Group
	for _, q := range stale {
		m.logger.Info("queue configuration changed, restarting queue", "queue", q.Name())
		closing.Go(func() error {
			q.Close(closeCtx)
			return nil
		})
	}
	_ = closing.Wait()

	m.pickUpLocal(ctx)
}

// firstTopic возвращает topic, который сопоставляется с первым шаблоном c.
func firstTopic(c queueconf.Configuration) string {
	if len(c.Topics) == 0 {
		return ""
	}
	if prefix, ok := strings.CutSuffix(c.Topics[0], "*"); ok {
		return prefix + "_"
	}
	return c.Topics[0]
}
