package queueconf

import "errors"

var (
	// ErrInvalidConfig — конфигурация очереди некорректна.
	ErrInvalidConfig = errors.New("invalid queue configuration")

	// ErrUnknownQueue — очередь с таким именем не настроена.
	ErrUnknownQueue = errors.New("unknown queue")
)
