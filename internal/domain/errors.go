package domain

import "errors"

// Ошибки доменной модели.
var (
	// ErrInvalidValue — значение свойства не соответствует своему типу.
	ErrInvalidValue = errors.New("invalid property value")

	// ErrInvalidJob — запись хранилища не является job.
	ErrInvalidJob = errors.New("invalid job record")

	// ErrReservedProperty — пользовательское свойство использует системный префикс.
	ErrReservedProperty = errors.New("reserved property name")
)
