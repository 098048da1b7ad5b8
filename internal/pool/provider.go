package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultName — имя пула по умолчанию.
const DefaultName = "default"

// Provider выдаёт пулы по имени.
//
// Пул создаётся при первом запросе: по именованной конфигурации, если она
// есть, иначе по конфигурации по умолчанию. Очереди с одинаковым
// именем пула делят его горутины.
type Provider struct {
	defaults Config
	configs  map[string]Config
	logger   *slog.Logger

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewProvider создаёт Provider.
func NewProvider(defaults Config, configs ...Config) *Provider {
	logger := defaults.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		defaults: defaults,
		configs:  make(map[string]Config, len(configs)),
		logger:   logger,
		pools:    make(map[string]*Pool),
	}
	for _, cfg := range configs {
		p.configs[cfg.Name] = cfg
	}
	return p
}

// Get возвращает пул по имени. Пустое имя — DefaultName.
func (p *Provider) Get(name string) *Pool {
	if name == "" {
		name = DefaultName
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pool, ok := p.pools[name]; ok {
		return pool
	}

	cfg, ok := p.configs[name]
	if !ok {
		cfg = p.defaults
	}
	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = p.logger
	}

	pool := New(cfg)
	if p.closed {
		// Поздний запрос после Shutdown получает закрытый пул
		pool.Shutdown(context.Background())
	}
	p.pools[name] = pool

	p.logger.Debug("pool created", "pool", name, "max", pool.max, "queue_depth", pool.depth)
	return pool
}

// Stats возвращает состояние всех созданных пулов, отсортированное по имени.
func (p *Provider) Stats() []Stats {
	p.mu.Lock()
	pools := make([]*Pool, 0, len(p.pools))
	for _, pool := range p.pools {
		pools = append(pools, pool)
	}
	p.mu.Unlock()

	stats := make([]Stats, 0, len(pools))
	for _, pool := range pools {
		stats = append(stats, pool.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Shutdown параллельно останавливает все пулы.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	pools := make([]*Pool, 0, len(p.pools))
	for _, pool := range p.pools {
		pools = append(pools, pool)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, pool := range pools {
		g.Go(func() error {
			return pool.Shutdown(ctx)
		})
	}
	return g.Wait()
}
