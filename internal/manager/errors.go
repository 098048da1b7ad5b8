package manager

import "errors"

// Ошибки JobManager.
var (
	// ErrJobDropped — конфигурация очереди отбрасывает job (тип DROP).
	ErrJobDropped = errors.New("job dropped by queue configuration")

	// ErrEmptyTopic — job без topic.
	ErrEmptyTopic = errors.New("job topic is empty")

	// ErrQueueNotFound — очередь с таким именем не запущена на экземпляре.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrUnknownQueryType — неизвестный тип запроса FindJobs.
	ErrUnknownQueryType = errors.New("unknown query type")

	// ErrInvalidTemplate — некорректный шаблон запроса.
	ErrInvalidTemplate = errors.New("invalid query template")
)
