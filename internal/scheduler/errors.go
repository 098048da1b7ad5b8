package scheduler

import "errors"

var (
	// ErrInvalidSchedule — определение расписания некорректно.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrScheduleNotFound — расписания с таким именем нет.
	ErrScheduleNotFound = errors.New("schedule not found")
)
