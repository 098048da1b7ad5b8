package topology

import (
	"sync"
	"sync/atomic"
	"time"
)

// Tracker хранит текущий снимок Capabilities и уведомляет подписчиков,
// когда меняется состав кластера.
//
// Новый снимок публикуется только если изменились экземпляры, их ёмкости
// или topics. Подписчик получает последний снимок; промежуточные снимки
// могут быть пропущены, если подписчик не успевает читать.
type Tracker struct {
	local   string
	current atomic.Pointer[Capabilities]

	mu   sync.Mutex
	seq  uint64
	subs []chan *Capabilities
	now  func() time.Time
}

// NewTracker создаёт Tracker с начальным составом initial.
func NewTracker(local string, initial []Instance) *Tracker {
	t := &Tracker{local: local, now: time.Now}
	t.current.Store(NewCapabilities(local, initial, t.now(), 0))
	return t
}

// LocalID возвращает идентификатор локального экземпляра.
func (t *Tracker) LocalID() string {
	return t.local
}

// Current возвращает текущий снимок.
func (t *Tracker) Current() *Capabilities {
	return t.current.Load()
}

// Update строит снимок из instances и публикует его, если состав изменился.
// Возвращает true, если снимок опубликован.
func (t *Tracker) Update(instances []Instance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := NewCapabilities(t.local, instances, t.now(), t.seq+1)
	if next.SameMembership(t.current.Load()) {
		return false
	}

	t.seq++
	t.current.Store(next)

	for _, ch := range t.subs {
		// Заменяем непрочитанный снимок последним
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return true
}

// Subscribe возвращает канал снимков, публикуемых после изменения состава.
func (t *Tracker) Subscribe() <-chan *Capabilities {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan *Capabilities, 1)
	t.subs = append(t.subs, ch)
	return ch
}
