package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default configuration values.
const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultInstanceTTL       = 20 * time.Second
)

// Source — реестр экземпляров, в который экземпляры пишут heartbeat.
// Реализация: repo.InstanceRepo.
type Source interface {
	Heartbeat(ctx context.Context, inst Instance) error
	ListLive(ctx context.Context, since time.Time) ([]Instance, error)
	Deregister(ctx context.Context, id string) error
}

// Registry периодически публикует heartbeat локального экземпляра
// и обновляет Tracker составом живых экземпляров.
type Registry struct {
	source  Source
	tracker *Tracker
	self    Instance

	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// RegistryConfig — конфигурация Registry.
type RegistryConfig struct {
	Source  Source
	Tracker *Tracker

	// Self — описание локального экземпляра.
	Self Instance

	// Interval — период heartbeat (default: 5s).
	Interval time.Duration

	// TTL — экземпляр без heartbeat дольше TTL считается ушедшим (default: 20s).
	TTL time.Duration

	Logger *slog.Logger
}

// NewRegistry создаёт Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultInstanceTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		source:   cfg.Source,
		tracker:  cfg.Tracker,
		self:     cfg.Self,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
	}
}

// Refresh выполняет один цикл: heartbeat + чтение живых экземпляров.
func (r *Registry) Refresh(ctx context.Context) error {
	now := time.Now()
	self := r.self
	self.LastSeen = now

	if err := r.source.Heartbeat(ctx, self); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	live, err := r.source.ListLive(ctx, now.Add(-r.ttl))
	if err != nil {
		return fmt.Errorf("list live instances: %w", err)
	}

	if r.tracker.Update(live) {
		r.logger.Info("topology changed",
			"instances", len(live),
			"seq", r.tracker.Current().Seq(),
		)
	}
	return nil
}

// Start запускает цикл heartbeat. Первый Refresh выполняется синхронно.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
	return nil
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("topology refresh failed", "error", err)
			}
		}
	}
}

// Stop останавливает цикл и снимает регистрацию экземпляра.
func (r *Registry) Stop(ctx context.Context) {
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.wg.Wait()

	if err := r.source.Deregister(ctx, r.self.ID); err != nil {
		r.logger.Warn("failed to deregister instance", "instance", r.self.ID, "error", err)
	}
}
