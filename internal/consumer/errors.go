package consumer

import "errors"

// Ошибки выполнения.
var (
	// ErrBackpressure — backlog consumer'а заполнен, job не принят.
	ErrBackpressure = errors.New("consumer backlog full")

	// ErrConsumerFailure — необработанная ошибка в работе consumer'а.
	ErrConsumerFailure = errors.New("consumer failure")

	// ErrNoConsumer — для topic не зарегистрирован consumer.
	ErrNoConsumer = errors.New("no consumer for topic")

	// ErrConsumerClosed — consumer остановлен.
	ErrConsumerClosed = errors.New("consumer closed")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrTemplate — шаблон свойства не разбирается или не рендерится.
	ErrTemplate = errors.New("template error")
)
