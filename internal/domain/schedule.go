package domain

import (
	"fmt"
	"strings"
	"time"
)

// Свойства записи scheduled job.
const (
	PropScheduleName      = "schedule.name"
	PropScheduleTopic     = "schedule.topic"
	PropScheduleQueue     = "schedule.queue"
	PropScheduleCron      = "schedule.cron"
	PropScheduleInterval  = "schedule.interval"
	PropScheduleTimezone  = "schedule.timezone"
	PropScheduleEnabled   = "schedule.enabled"
	PropScheduleNextDue   = "schedule.next_due"
	PropScheduleLastRun   = "schedule.last_run"
	PropScheduleLastJobID = "schedule.last_job_id"

	// schedulePropPrefix — префикс свойств создаваемого job.
	schedulePropPrefix = "property."
)

// ScheduledJob — расписание периодического создания job.
//
// ScheduledJob позволяет создавать job:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Scheduler проверяет NextDueAt и создаёт job, когда время подошло.
// Определение хранится в том же хранилище, что и job, поэтому
// коммит нового NextDueAt с проверкой версии гарантирует, что
// один слот расписания создаёт ровно один job в кластере.
type ScheduledJob struct {
	// Name — уникальное имя расписания.
	Name string `json:"name" yaml:"name"`

	// Topic — тема создаваемых job.
	Topic string `json:"topic" yaml:"topic"`

	// Queue — очередь создаваемых job (опционально).
	Queue string `json:"queue,omitempty" yaml:"queue"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Если задан CronExpr, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty" yaml:"cron"`

	// IntervalSec — интервал в секундах между запусками.
	IntervalSec int `json:"interval_sec,omitempty" yaml:"interval_sec"`

	// Timezone — часовой пояс для вычисления времени. По умолчанию "UTC".
	Timezone string `json:"timezone" yaml:"timezone"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Properties — свойства каждого создаваемого job.
	Properties Properties `json:"properties,omitempty" yaml:"-"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty" yaml:"-"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"-"`

	// LastJobID — ID последнего созданного job.
	LastJobID string `json:"last_job_id,omitempty" yaml:"-"`

	// Path и Version — положение записи в хранилище.
	Path    string `json:"-" yaml:"-"`
	Version int64  `json:"-" yaml:"-"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (s *ScheduledJob) IsCron() bool {
	return s.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (s *ScheduledJob) IsInterval() bool {
	return s.CronExpr == "" && s.IntervalSec > 0
}

// IsDue проверяет, пора ли запускать.
func (s *ScheduledJob) IsDue(now time.Time) bool {
	if !s.Enabled || s.NextDueAt == nil {
		return false
	}
	return !now.Before(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *ScheduledJob) RecordRun(jobID string, now, nextDue time.Time) {
	s.LastRunAt = &now
	s.LastJobID = jobID
	s.NextDueAt = &nextDue
}

// ToProperties собирает свойства записи расписания.
func (s *ScheduledJob) ToProperties() Properties {
	props := Properties{
		PropScheduleName:     Text(s.Name),
		PropScheduleTopic:    Text(s.Topic),
		PropScheduleTimezone: Text(s.Timezone),
		PropScheduleEnabled:  Text(fmt.Sprint(s.Enabled)),
	}
	if s.Queue != "" {
		props[PropScheduleQueue] = Text(s.Queue)
	}
	if s.CronExpr != "" {
		props[PropScheduleCron] = Text(s.CronExpr)
	}
	if s.IntervalSec > 0 {
		props[PropScheduleInterval] = Int(s.IntervalSec)
	}
	if s.NextDueAt != nil {
		props[PropScheduleNextDue] = Timestamp(*s.NextDueAt)
	}
	if s.LastRunAt != nil {
		props[PropScheduleLastRun] = Timestamp(*s.LastRunAt)
	}
	if s.LastJobID != "" {
		props[PropScheduleLastJobID] = Text(s.LastJobID)
	}
	for k, v := range s.Properties {
		props[schedulePropPrefix+k] = v
	}
	return props
}

// ScheduledJobFromProperties восстанавливает расписание из записи.
func ScheduledJobFromProperties(path string, version int64, props Properties) (*ScheduledJob, error) {
	name := props.Text(PropScheduleName)
	if name == "" {
		return nil, fmt.Errorf("%w: record %s has no schedule name", ErrInvalidJob, path)
	}

	s := &ScheduledJob{
		Name:        name,
		Topic:       props.Text(PropScheduleTopic),
		Queue:       props.Text(PropScheduleQueue),
		CronExpr:    props.Text(PropScheduleCron),
		IntervalSec: props.Int(PropScheduleInterval, 0),
		Timezone:    props.Text(PropScheduleTimezone),
		Enabled:     props.Text(PropScheduleEnabled) == "true",
		NextDueAt:   props.Time(PropScheduleNextDue),
		LastRunAt:   props.Time(PropScheduleLastRun),
		LastJobID:   props.Text(PropScheduleLastJobID),
		Properties:  Properties{},
		Path:        path,
		Version:     version,
	}
	for k, v := range props {
		if rest, ok := strings.CutPrefix(k, schedulePropPrefix); ok {
			s.Properties[rest] = v
		}
	}
	return s, nil
}
