package queueconf

import (
	"fmt"
	"sort"
	"sync"
)

// Info — результат сопоставления topic с конфигурацией.
type Info struct {
	// Config — копия сопоставленной конфигурации.
	Config Configuration

	// QueueName — имя очереди с подставленным {0}.
	QueueName string

	// Topic — исходный topic.
	Topic string
}

// Manager сопоставляет topic с конфигурациями очередей.
//
// Порядок предпочтения: точное совпадение topic, затем наиболее
// специфичный wildcard-префикс (при равенстве — больший Ranking),
// затем конфигурация по умолчанию. Результаты кэшируются по topic
// и сбрасываются при Update.
type Manager struct {
	mu          sync.RWMutex
	configs     []Configuration
	def         Configuration
	cache       map[string]Info
	revision    uint64
	subscribers []chan struct{}
}

// NewManager создаёт Manager с конфигурацией по умолчанию def.
func NewManager(def Configuration, configs ...Configuration) (*Manager, error) {
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("default configuration: %w", err)
	}

	m := &Manager{def: def}
	if err := m.set(configs); err != nil {
		return nil, err
	}
	return m, nil
}

// Info возвращает конфигурацию для topic.
func (m *Manager) Info(topic string) Info {
	m.mu.RLock()
	if info, ok := m.cache[topic]; ok {
		m.mu.RUnlock()
		return info
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	info := m.resolve(topic)
	m.cache[topic] = info
	return info
}

// InfoForQueue возвращает конфигурацию очереди по имени для topic.
// Имя сравнивается после подстановки {0}.
func (m *Manager) InfoForQueue(queue, topic string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if queue == m.def.Name {
		return Info{Config: m.def, QueueName: m.def.Name, Topic: topic}, nil
	}
	for _, c := range m.configs {
		_, remainder, _, _ := c.match(topic)
		if c.Name == queue || c.resolveName(remainder) == queue {
			return Info{Config: c, QueueName: queue, Topic: topic}, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
}

// resolve выполняет сопоставление без кэша. Вызывается под mu.
func (m *Manager) resolve(topic string) Info {
	var (
		best      *Configuration
		bestSpec  = -1
		bestExact bool
		bestRem   string
	)

	for i := range m.configs {
		c := &m.configs[i]
		spec, rem, exact, ok := c.match(topic)
		if !ok {
			continue
		}

		better := false
		switch {
		case best == nil:
			better = true
		case exact != bestExact:
			better = exact
		case spec != bestSpec:
			better = spec > bestSpec
		default:
			better = c.Ranking > best.Ranking
		}

		if better {
			best, bestSpec, bestExact, bestRem = c, spec, exact, rem
		}
	}

	if best == nil {
		return Info{Config: m.def, QueueName: m.def.Name, Topic: topic}
	}
	return Info{Config: *best, QueueName: best.resolveName(bestRem), Topic: topic}
}

// Update заменяет набор конфигураций и уведомляет подписчиков.
func (m *Manager) Update(configs []Configuration) error {
	if err := m.set(configs); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Manager) set(configs []Configuration) error {
	validated := make([]Configuration, 0, len(configs))
	names := make(map[string]bool, len(configs))
	for _, c := range configs {
		c.applyDefaults()
		if err := c.Validate(); err != nil {
			return err
		}
		if names[c.Name] {
			return fmt.Errorf("%w: duplicate queue name %s", ErrInvalidConfig, c.Name)
		}
		names[c.Name] = true
		validated = append(validated, c)
	}

	// Стабильный порядок: по ranking, затем по имени
	sort.SliceStable(validated, func(i, j int) bool {
		if validated[i].Ranking != validated[j].Ranking {
			return validated[i].Ranking > validated[j].Ranking
		}
		return validated[i].Name < validated[j].Name
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = validated
	m.cache = make(map[string]Info)
	m.revision++
	return nil
}

// Configurations возвращает копию настроенных конфигураций.
func (m *Manager) Configurations() []Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Configuration, len(m.configs))
	copy(out, m.configs)
	return out
}

// DefaultConfiguration возвращает конфигурацию по умолчанию.
func (m *Manager) DefaultConfiguration() Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

// Revision возвращает номер текущего набора конфигураций.
func (m *Manager) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Subscribe возвращает канал уведомлений об Update.
func (m *Manager) Subscribe() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan struct{}, 1)
	m.subscribers = append(m.subscribers, ch)
	return ch
}
