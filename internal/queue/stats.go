package queue

import (
	"sort"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
)

// Statistics — снимок состояния очереди.
type Statistics struct {
	Name        string              `json:"name"`
	Type        queueconf.QueueType `json:"type"`
	MaxParallel int                 `json:"max_parallel"`
	Suspended   bool                `json:"suspended"`

	// Queued — job в backlog, Active — в обработке.
	Queued int `json:"queued"`
	Active int `json:"active"`

	// Processed = Succeeded + Failed + Cancelled.
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`

	// Failed — попытки, завершившиеся повтором.
	Failed int64 `json:"failed"`

	// Cancelled — job, завершённые без успеха (STOPPED, GIVEN_UP, ERROR).
	Cancelled int64 `json:"cancelled"`

	// Requeued — возвраты в QUEUED из-за backpressure.
	Requeued int64 `json:"requeued"`

	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	AvgWaitingTime    time.Duration `json:"avg_waiting_time"`
	LastActivated     *time.Time    `json:"last_activated,omitempty"`
	LastFinished      *time.Time    `json:"last_finished,omitempty"`

	Lanes []LaneStatistics `json:"lanes,omitempty"`
}

// LaneStatistics — состояние одной lane.
type LaneStatistics struct {
	Topic    string `json:"topic"`
	Queued   int    `json:"queued"`
	Active   int    `json:"active"`
	Admitted int64  `json:"admitted"`
}

// counters — накопительные счётчики очереди. Изменяются под Queue.mu.
type counters struct {
	succeeded int64
	failed    int64
	cancelled int64
	requeued  int64

	startedCount    int64
	waitingTotal    time.Duration
	processingTotal time.Duration
	finishedCount   int64

	lastActivated time.Time
	lastFinished  time.Time
}

func (c *counters) started(at time.Time, waiting time.Duration) {
	c.startedCount++
	if waiting > 0 {
		c.waitingTotal += waiting
	}
	c.lastActivated = at
}

func (c *counters) finished(state domain.JobState, at time.Time, processing time.Duration) {
	if state == domain.JobStateSucceeded {
		c.succeeded++
	} else {
		c.cancelled++
	}
	c.finishedCount++
	if processing > 0 {
		c.processingTotal += processing
	}
	c.lastFinished = at
}

// Statistics возвращает снимок состояния очереди.
func (q *Queue) Statistics() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Statistics{
		Name:        q.name,
		Type:        q.cfg.Type,
		MaxParallel: q.maxParallel,
		Suspended:   q.suspended,
		Active:      len(q.active),
		Succeeded:   q.stats.succeeded,
		Failed:      q.stats.failed,
		Cancelled:   q.stats.cancelled,
		Requeued:    q.stats.requeued,
	}
	s.Processed = s.Succeeded + s.Failed + s.Cancelled

	if q.stats.startedCount > 0 {
		s.AvgWaitingTime = q.stats.waitingTotal / time.Duration(q.stats.startedCount)
	}
	if q.stats.finishedCount > 0 {
		s.AvgProcessingTime = q.stats.processingTotal / time.Duration(q.stats.finishedCount)
	}
	if !q.stats.lastActivated.IsZero() {
		t := q.stats.lastActivated
		s.LastActivated = &t
	}
	if !q.stats.lastFinished.IsZero() {
		t := q.stats.lastFinished
		s.LastFinished = &t
	}

	for _, key := range q.order {
		l := q.lanes[key]
		s.Queued += len(l.items)
		if q.cfg.Type == queueconf.TypeUnordered {
			continue
		}
		s.Lanes = append(s.Lanes, LaneStatistics{
			Topic:    key,
			Queued:   len(l.items),
			Active:   l.active,
			Admitted: l.admitted,
		})
	}
	sort.Slice(s.Lanes, func(i, j int) bool { return s.Lanes[i].Topic < s.Lanes[j].Topic })
	return s
}
