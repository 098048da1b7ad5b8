package pool

import "errors"

// Ошибки пула.
var (
	// ErrPoolFull — все горутины заняты и очередь пула заполнена.
	ErrPoolFull = errors.New("pool is full")

	// ErrPoolClosed — пул остановлен.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrShutdownTimeout — задачи не завершились за ShutdownWait.
	ErrShutdownTimeout = errors.New("pool shutdown timed out")
)
