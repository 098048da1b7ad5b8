package handler

import "errors"

// Ошибки JobHandler.
var (
	// ErrInvalidTransition — операция недопустима из текущего состояния job.
	ErrInvalidTransition = errors.New("invalid job state transition")
)
