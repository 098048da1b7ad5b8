package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/store"
)

type fakeCreator struct {
	mu   sync.Mutex
	jobs []*domain.Job
	err  error
}

func (c *fakeCreator) AddJob(_ context.Context, queue, topic string, props domain.Properties) (*domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	job := &domain.Job{ID: domain.NewJobID(), Queue: queue, Topic: topic, Properties: props.Clone()}
	c.jobs = append(c.jobs, job)
	return job, nil
}

func (c *fakeCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// clock — управляемое время для тестов.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newScheduler(mem *store.Memory, jobs JobCreator, clk *clock) *Scheduler {
	return New(Config{Store: mem, Jobs: jobs, Now: clk.Now})
}

func everyMinute(name string) *domain.ScheduledJob {
	return &domain.ScheduledJob{
		Name:        name,
		Topic:       "reports/daily",
		IntervalSec: 60,
		Timezone:    "UTC",
		Enabled:     true,
		Properties:  domain.Properties{"format": domain.Text("pdf")},
	}
}

// --- CalculateNextDue Tests ---

func TestCalculateNextDue(t *testing.T) {
	from := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		sched   domain.ScheduledJob
		want    time.Time
		wantErr bool
	}{
		{
			name:  "interval",
			sched: domain.ScheduledJob{IntervalSec: 90},
			want:  from.Add(90 * time.Second),
		},
		{
			name:  "cron in UTC",
			sched: domain.ScheduledJob{CronExpr: "0 9 * * *"},
			want:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		},
		{
			name:  "cron in timezone",
			sched: domain.ScheduledJob{CronExpr: "0 9 * * *", Timezone: "Europe/Moscow"},
			want:  time.Date(2026, 5, 5, 6, 0, 0, 0, time.UTC),
		},
		{
			name:  "descriptor",
			sched: domain.ScheduledJob{CronExpr: "@hourly"},
			want:  time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		},
		{name: "invalid cron", sched: domain.ScheduledJob{CronExpr: "not a cron"}, wantErr: true},
		{name: "invalid timezone", sched: domain.ScheduledJob{IntervalSec: 10, Timezone: "Mars/Base"}, wantErr: true},
		{name: "no timing", sched: domain.ScheduledJob{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateNextDue(&tt.sched, from)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Errorf("expected ErrInvalidSchedule, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// --- Define Tests ---

func TestDefine(t *testing.T) {
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	s := newScheduler(mem, &fakeCreator{}, clk)
	ctx := context.Background()

	if err := s.Define(ctx, everyMinute("digest")); err != nil {
		t.Fatalf("define: %v", err)
	}
	got, err := s.Get(ctx, "digest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first := clk.Now().Add(time.Minute)
	if got.NextDueAt == nil || !got.NextDueAt.Equal(first) {
		t.Fatalf("expected next due %v, got %v", first, got.NextDueAt)
	}

	// Повторное определение с тем же временем не сдвигает слот
	clk.Advance(30 * time.Second)
	redefined := everyMinute("digest")
	redefined.Properties["format"] = domain.Text("csv")
	if err := s.Define(ctx, redefined); err != nil {
		t.Fatalf("redefine: %v", err)
	}
	got, _ = s.Get(ctx, "digest")
	if !got.NextDueAt.Equal(first) {
		t.Errorf("next due moved to %v", got.NextDueAt)
	}
	if got.Properties.Text("format") != "csv" {
		t.Errorf("properties not updated: %+v", got.Properties)
	}

	// Новый интервал пересчитывает слот
	changed := everyMinute("digest")
	changed.IntervalSec = 3600
	if err := s.Define(ctx, changed); err != nil {
		t.Fatalf("change interval: %v", err)
	}
	got, _ = s.Get(ctx, "digest")
	if want := clk.Now().Add(time.Hour); !got.NextDueAt.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, got.NextDueAt)
	}
}

func TestDefine_Invalid(t *testing.T) {
	s := newScheduler(store.NewMemory(), &fakeCreator{}, &clock{now: time.Now()})

	tests := []struct {
		name    string
		sched   *domain.ScheduledJob
		wantErr error
	}{
		{"empty name", &domain.ScheduledJob{Topic: "t", IntervalSec: 1}, ErrInvalidSchedule},
		{"empty topic", &domain.ScheduledJob{Name: "n", IntervalSec: 1}, ErrInvalidSchedule},
		{"bad cron", &domain.ScheduledJob{Name: "n", Topic: "t", CronExpr: "61 * * * *"}, ErrInvalidSchedule},
		{"reserved property", &domain.ScheduledJob{Name: "n", Topic: "t", IntervalSec: 1, Properties: domain.Properties{"job.id": domain.Text("x")}}, domain.ErrReservedProperty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Define(context.Background(), tt.sched); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// --- Tick Tests ---

func TestTick_CreatesJobOncePerSlot(t *testing.T) {
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	jobs := &fakeCreator{}
	s := newScheduler(mem, jobs, clk)
	ctx := context.Background()

	if err := s.Define(ctx, everyMinute("digest")); err != nil {
		t.Fatalf("define: %v", err)
	}

	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("slot not due yet, created %d", n)
	}

	clk.Advance(time.Minute)
	if n, _ := s.Tick(ctx); n != 1 {
		t.Fatalf("expected 1 job, created %d", n)
	}
	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("slot fired twice, created %d", n)
	}

	got, _ := s.Get(ctx, "digest")
	if got.LastJobID != jobs.jobs[0].ID || !got.LastRunAt.Equal(clk.Now()) {
		t.Errorf("run not recorded: %+v", got)
	}
	if want := clk.Now().Add(time.Minute); !got.NextDueAt.Equal(want) {
		t.Errorf("expected next due %v, got %v", want, got.NextDueAt)
	}
	if jobs.jobs[0].Topic != "reports/daily" || jobs.jobs[0].Properties.Text("format") != "pdf" {
		t.Errorf("unexpected job %+v", jobs.jobs[0])
	}
}

func TestTick_ConcurrentInstances(t *testing.T) {
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	jobs := &fakeCreator{}
	ctx := context.Background()

	if err := newScheduler(mem, jobs, clk).Define(ctx, everyMinute("digest")); err != nil {
		t.Fatalf("define: %v", err)
	}
	clk.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newScheduler(mem, jobs, clk).Tick(ctx)
		}()
	}
	wg.Wait()

	if n := jobs.count(); n != 1 {
		t.Errorf("expected exactly one job for the slot, got %d", n)
	}
}

func TestTick_DisabledAndFailures(t *testing.T) {
	mem := store.NewMemory()
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	jobs := &fakeCreator{}
	s := newScheduler(mem, jobs, clk)
	ctx := context.Background()

	paused := everyMinute("paused")
	paused.Enabled = false
	for _, def := range []*domain.ScheduledJob{paused, everyMinute("active")} {
		if err := s.Define(ctx, def); err != nil {
			t.Fatalf("define %s: %v", def.Name, err)
		}
	}

	clk.Advance(time.Minute)
	jobs.err = errors.New("boom")
	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("expected no jobs on failure, got %d", n)
	}

	// Неудачный слот израсходован, следующий через минуту
	jobs.err = nil
	if n, _ := s.Tick(ctx); n != 0 {
		t.Fatalf("failed slot retried, created %d", n)
	}
	clk.Advance(time.Minute)
	if n, _ := s.Tick(ctx); n != 1 {
		t.Fatalf("expected 1 job, got %d", n)
	}

	// Включение отсчитывает слот от текущего момента
	if err := s.SetEnabled(ctx, "paused", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if n, _ := s.Tick(ctx); n != 0 {
		t.Errorf("missed slots must not fire on enable, created %d", n)
	}
	clk.Advance(time.Minute)
	if n, _ := s.Tick(ctx); n != 2 {
		t.Errorf("expected both schedules to fire, got %d", n)
	}
}

func TestRemoveAndList(t *testing.T) {
	s := newScheduler(store.NewMemory(), &fakeCreator{}, &clock{now: time.Now()})
	ctx := context.Background()

	for _, name := range []string{"b", "a"} {
		if err := s.Define(ctx, everyMinute(name)); err != nil {
			t.Fatalf("define: %v", err)
		}
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 2 || list[0].Name != "a" {
		t.Fatalf("unexpected list %+v (%v)", list, err)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "a"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}
}
