package queue

import "time"

// lane — backlog одного topic (или всей очереди для UNORDERED).
type lane struct {
	key      string
	items    []*item
	active   int
	admitted int64
}

// next возвращает позицию готового job или -1.
// Для ORDERED готовой должна быть голова lane.
func (l *lane) next(now time.Time, headOnly bool) int {
	if headOnly {
		if len(l.items) > 0 && !l.items[0].readyAt.After(now) {
			return 0
		}
		return -1
	}
	for i, it := range l.items {
		if !it.readyAt.After(now) {
			return i
		}
	}
	return -1
}

// take извлекает job из позиции pos.
func (l *lane) take(pos int) *item {
	it := l.items[pos]
	copy(l.items[pos:], l.items[pos+1:])
	l.items[len(l.items)-1] = nil
	l.items = l.items[:len(l.items)-1]
	return it
}

// remove извлекает job по id. nil, если его нет.
func (l *lane) remove(id string) *item {
	for i, it := range l.items {
		if it.id == id {
			return l.take(i)
		}
	}
	return nil
}

func (l *lane) pushBack(it *item) {
	l.items = append(l.items, it)
}

func (l *lane) pushFront(it *item) {
	l.items = append([]*item{it}, l.items...)
}

// idle — lane пуста и в ней нет активных job.
func (l *lane) idle() bool {
	return len(l.items) == 0 && l.active == 0
}
