package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/conveyor/internal/domain"
)

// cronParser — пятипольные выражения и дескрипторы вида @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CalculateNextDue вычисляет следующий запуск после from.
// Cron-выражение вычисляется в часовом поясе расписания, результат в UTC.
func CalculateNextDue(sched *domain.ScheduledJob, from time.Time) (time.Time, error) {
	loc := time.UTC
	if sched.Timezone != "" {
		l, err := time.LoadLocation(sched.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q", ErrInvalidSchedule, sched.Timezone)
		}
		loc = l
	}

	switch {
	case sched.IsCron():
		schedule, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, sched.CronExpr, err)
		}
		return schedule.Next(from.In(loc)).UTC(), nil
	case sched.IsInterval():
		return from.Add(time.Duration(sched.IntervalSec) * time.Second).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("%w: neither cron nor interval", ErrInvalidSchedule)
	}
}

// ValidateCronExpr проверяет cron-выражение.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// Validate проверяет определение расписания.
func Validate(sched *domain.ScheduledJob) error {
	if sched.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSchedule)
	}
	if sched.Topic == "" {
		return fmt.Errorf("%w: %s: empty topic", ErrInvalidSchedule, sched.Name)
	}
	for name := range sched.Properties {
		if domain.IsReserved(name) {
			return fmt.Errorf("%w: %s: %s", domain.ErrReservedProperty, sched.Name, name)
		}
	}
	_, err := CalculateNextDue(sched, time.Now())
	return err
}
