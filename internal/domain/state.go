package domain

// JobState — состояние job.
//
// Жизненный цикл:
//
//	QUEUED → ACTIVE → SUCCEEDED | STOPPED | GIVEN_UP | ERROR | DROPPED
//	           ↘ QUEUED (reschedule, retry_count += 1)
//
// Reschedule после исчерпания retry-бюджета переводит job в GIVEN_UP.
type JobState string

const (
	// JobStateQueued — job ожидает выполнения в очереди.
	JobStateQueued JobState = "QUEUED"

	// JobStateActive — job выполняется consumer'ом.
	JobStateActive JobState = "ACTIVE"

	// JobStateSucceeded — job успешно завершён.
	JobStateSucceeded JobState = "SUCCEEDED"

	// JobStateStopped — job остановлен по advisory-сигналу stop.
	JobStateStopped JobState = "STOPPED"

	// JobStateGivenUp — retry-бюджет исчерпан.
	JobStateGivenUp JobState = "GIVEN_UP"

	// JobStateError — consumer отменил job или упал с необработанной ошибкой.
	JobStateError JobState = "ERROR"

	// JobStateDropped — job отброшен конфигурацией очереди.
	JobStateDropped JobState = "DROPPED"
)

// AllJobStates — все состояния в порядке жизненного цикла.
var AllJobStates = []JobState{
	JobStateQueued,
	JobStateActive,
	JobStateSucceeded,
	JobStateStopped,
	JobStateGivenUp,
	JobStateError,
	JobStateDropped,
}

// IsTerminal возвращает true, если состояние финальное.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateStopped, JobStateGivenUp, JobStateError, JobStateDropped:
		return true
	default:
		return false
	}
}

// IsFailure возвращает true для финальных состояний, кроме SUCCEEDED.
// Такие job хранятся в истории cancelled и могут быть перезапущены.
func (s JobState) IsFailure() bool {
	return s.IsTerminal() && s != JobStateSucceeded
}

// CanTransition проверяет, допустим ли переход из s в to.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobStateQueued:
		return to == JobStateActive
	case JobStateActive:
		return to == JobStateQueued || to.IsTerminal()
	default:
		return false
	}
}

// String возвращает строковое представление JobState.
func (s JobState) String() string {
	return string(s)
}

// ParseJobState парсит строку в JobState.
func ParseJobState(s string) (JobState, bool) {
	for _, st := range AllJobStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}
