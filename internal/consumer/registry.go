package consumer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry — реестр consumer'ов по шаблонам topic.
//
// Шаблоны: точный topic, префикс "a/b/*" или "*".
// При выборе точное совпадение важнее префикса, длинный префикс
// важнее короткого.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]Consumer
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{consumers: make(map[string]Consumer)}
}

// Register добавляет consumer для шаблона topic.
func (r *Registry) Register(pattern string, c Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[pattern] = c
}

// Unregister удаляет consumer шаблона.
func (r *Registry) Unregister(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, pattern)
}

// Get возвращает consumer для topic.
func (r *Registry) Get(topic string) (Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.consumers[topic]; ok {
		return c, nil
	}

	var (
		best    Consumer
		bestLen = -1
	)
	for pattern, c := range r.consumers {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if !ok || !strings.HasPrefix(topic, prefix) {
			continue
		}
		if prefix != "" && len(topic) == len(prefix) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = c, len(prefix)
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConsumer, topic)
	}
	return best, nil
}

// Topics возвращает зарегистрированные шаблоны, отсортированные.
// Публикуются в реестре топологии, чтобы job назначались
// только экземплярам с подходящим consumer'ом.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.consumers))
	for pattern := range r.consumers {
		topics = append(topics, pattern)
	}
	sort.Strings(topics)
	return topics
}
