package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/store"
)

// defaultTickInterval — период проверки расписаний.
const defaultTickInterval = time.Second

// maxDefineAttempts — попытки Define при конкурентном изменении записи.
const maxDefineAttempts = 3

// JobCreator создаёт job. *manager.Manager реализует этот интерфейс.
type JobCreator interface {
	AddJob(ctx context.Context, queue, topic string, props domain.Properties) (*domain.Job, error)
}

// Scheduler создаёт job по расписаниям, хранящимся рядом с job.
//
// Tick можно вызывать на всех экземплярах одновременно: слот расписания
// захватывается коммитом нового NextDueAt с проверкой версии, и job
// создаёт только победитель.
type Scheduler struct {
	store        store.Store
	layout       domain.Layout
	jobs         JobCreator
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration
}

// Config — конфигурация Scheduler.
type Config struct {
	Store  store.Store
	Layout domain.Layout
	Jobs   JobCreator
	Logger *slog.Logger

	// Now — источник времени (default: time.Now).
	Now func() time.Time

	// TickInterval — период Run (default: 1s).
	TickInterval time.Duration
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	layout := cfg.Layout
	if layout.Root == "" {
		layout = domain.DefaultLayout()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}

	return &Scheduler{
		store:        cfg.Store,
		layout:       layout,
		jobs:         cfg.Jobs,
		logger:       logger.With("component", "scheduler"),
		now:          now,
		tickInterval: interval,
	}
}

// Run вызывает Tick с периодом TickInterval до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Define создаёт или обновляет расписание.
//
// Если время запуска (cron, интервал, часовой пояс) не менялось,
// сохранённые NextDueAt и сведения о последнем запуске остаются,
// поэтому повторная загрузка конфигурации не сдвигает расписание.
func (s *Scheduler) Define(ctx context.Context, sched *domain.ScheduledJob) error {
	if err := Validate(sched); err != nil {
		return err
	}
	path := s.layout.ScheduledPath(sched.Name)

	for attempt := 0; attempt < maxDefineAttempts; attempt++ {
		def := *sched
		def.Properties = sched.Properties.Clone()

		rec, err := s.store.Get(ctx, path)
		if err != nil && !store.IsNotFound(err) {
			return fmt.Errorf("get schedule: %w", err)
		}

		if rec == nil {
			if err := s.initNextDue(&def); err != nil {
				return err
			}
			if _, err := s.store.Create(ctx, path, def.ToProperties()); err != nil {
				if errors.Is(err, store.ErrAlreadyExists) {
					continue
				}
				return fmt.Errorf("create schedule: %w", err)
			}
			s.logger.Info("schedule defined", "schedule", def.Name, "next_due", def.NextDueAt)
			return nil
		}

		existing, err := domain.ScheduledJobFromProperties(rec.Path, rec.Version, rec.Fields)
		if err != nil {
			return err
		}
		if sameTiming(existing, &def) {
			def.NextDueAt = existing.NextDueAt
		} else if err := s.initNextDue(&def); err != nil {
			return err
		}
		def.LastRunAt = existing.LastRunAt
		def.LastJobID = existing.LastJobID

		props := def.ToProperties()
		var remove []string
		for name := range rec.Fields {
			if _, ok := props[name]; !ok {
				remove = append(remove, name)
			}
		}
		if _, err := s.store.Commit(ctx, path, rec.Version, props, remove); err != nil {
			if store.IsConflict(err) {
				continue
			}
			return fmt.Errorf("update schedule: %w", err)
		}
		s.logger.Debug("schedule updated", "schedule", def.Name, "next_due", def.NextDueAt)
		return nil
	}
	return fmt.Errorf("define schedule %s: %w", sched.Name, store.ErrConflict)
}

func (s *Scheduler) initNextDue(def *domain.ScheduledJob) error {
	if def.NextDueAt != nil {
		return nil
	}
	next, err := CalculateNextDue(def, s.now())
	if err != nil {
		return err
	}
	def.NextDueAt = &next
	return nil
}

func sameTiming(a, b *domain.ScheduledJob) bool {
	return a.CronExpr == b.CronExpr && a.IntervalSec == b.IntervalSec && a.Timezone == b.Timezone
}

// Get возвращает расписание по имени.
func (s *Scheduler) Get(ctx context.Context, name string) (*domain.ScheduledJob, error) {
	rec, err := s.store.Get(ctx, s.layout.ScheduledPath(name))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
		}
		return nil, err
	}
	return domain.ScheduledJobFromProperties(rec.Path, rec.Version, rec.Fields)
}

// List возвращает все расписания, упорядоченные по имени.
func (s *Scheduler) List(ctx context.Context) ([]*domain.ScheduledJob, error) {
	recs, err := s.store.List(ctx, s.layout.ScheduledPrefix())
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}

	out := make([]*domain.ScheduledJob, 0, len(recs))
	for _, rec := range recs {
		sched, err := domain.ScheduledJobFromProperties(rec.Path, rec.Version, rec.Fields)
		if err != nil {
			s.logger.Warn("skipping invalid schedule record", "path", rec.Path, "error", err)
			continue
		}
		out = append(out, sched)
	}
	return out, nil
}

// Remove удаляет расписание.
func (s *Scheduler) Remove(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, s.layout.ScheduledPath(name), store.AnyVersion); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
		}
		return err
	}
	s.logger.Info("schedule removed", "schedule", name)
	return nil
}

// SetEnabled включает или выключает расписание.
// При включении следующий запуск отсчитывается от текущего момента:
// пропущенные за время паузы слоты не догоняются.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	sched, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	set := domain.Properties{domain.PropScheduleEnabled: domain.Text(fmt.Sprint(enabled))}
	if enabled && !sched.Enabled {
		next, err := CalculateNextDue(sched, s.now())
		if err != nil {
			return err
		}
		set[domain.PropScheduleNextDue] = domain.Timestamp(next)
	}

	if _, err := s.store.Commit(ctx, sched.Path, sched.Version, set, nil); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	s.logger.Info("schedule toggled", "schedule", name, "enabled", enabled)
	return nil
}

// Tick создаёт job для всех наступивших слотов.
// Возвращает количество созданных job. Ошибка одного расписания
// не мешает остальным.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()

	schedules, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, sched := range schedules {
		if !sched.IsDue(now) {
			continue
		}
		if s.fire(ctx, sched, now) {
			created++
		}
	}

	if created > 0 {
		s.logger.Info("scheduler tick completed", "jobs_created", created)
	}
	return created, nil
}

// fire захватывает слот и создаёт job.
func (s *Scheduler) fire(ctx context.Context, sched *domain.ScheduledJob, now time.Time) bool {
	logger := s.logger.With("schedule", sched.Name)

	next, err := CalculateNextDue(sched, now)
	if err != nil {
		logger.Error("failed to calculate next due", "error", err)
		return false
	}

	claim := domain.Properties{
		domain.PropScheduleNextDue: domain.Timestamp(next),
		domain.PropScheduleLastRun: domain.Timestamp(now),
	}
	rec, err := s.store.Commit(ctx, sched.Path, sched.Version, claim, nil)
	if err != nil {
		if store.IsConflict(err) || store.IsNotFound(err) {
			logger.Debug("schedule slot taken by another instance")
			return false
		}
		logger.Error("failed to claim schedule slot", "error", err)
		return false
	}

	job, err := s.jobs.AddJob(ctx, sched.Queue, sched.Topic, sched.Properties)
	if err != nil {
		// Слот уже израсходован: следующий запуск по расписанию
		logger.Error("failed to create scheduled job", "error", err)
		return false
	}

	if _, err := s.store.Commit(ctx, rec.Path, rec.Version, domain.Properties{
		domain.PropScheduleLastJobID: domain.Text(job.ID),
	}, nil); err != nil {
		logger.Warn("failed to record last job id", "job_id", job.ID, "error", err)
	}

	logger.Info("created job from schedule", "job_id", job.ID, "topic", job.Topic, "next_due", next)
	return true
}
