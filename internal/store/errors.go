package store

import "errors"

// Ошибки хранилища.
var (
	// ErrNotFound — запись отсутствует (удалена конкурентом или не существовала).
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists — путь уже занят.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrConflict — запись изменилась после чтения, коммит не применён.
	ErrConflict = errors.New("concurrent modification")

	// ErrUnavailable — хранилище недоступно.
	ErrUnavailable = errors.New("store unavailable")
)

// IsConflict проверяет, что ошибка — проигранная гонка оптимистичной записи.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound проверяет, что запись отсутствует.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
