package store

import (
	"context"

	"github.com/shaiso/conveyor/internal/domain"
)

// Record — запись иерархического хранилища.
type Record struct {
	// Path — уникальный путь записи.
	Path string

	// Version — версия, увеличивается при каждом коммите.
	Version int64

	// Fields — поля записи.
	Fields domain.Properties
}

// AnyVersion отключает проверку версии в Delete.
const AnyVersion int64 = 0

// Store — иерархическое хранилище с атомарным коммитом записи.
//
// Запись адресуется путём. Изменения оптимистичные: Commit, Move и Delete
// принимают ожидаемую версию и возвращают ErrConflict, если запись
// изменилась. Отсутствующая запись — ErrNotFound.
type Store interface {
	// Get возвращает запись по пути.
	Get(ctx context.Context, path string) (*Record, error)

	// Exists проверяет наличие записи.
	Exists(ctx context.Context, path string) (bool, error)

	// Create создаёт запись. ErrAlreadyExists, если путь занят.
	Create(ctx context.Context, path string, fields domain.Properties) (*Record, error)

	// Put создаёт или полностью заменяет запись без проверки версии.
	Put(ctx context.Context, path string, fields domain.Properties) (*Record, error)

	// Commit атомарно применяет set и remove к записи с версией version.
	Commit(ctx context.Context, path string, version int64, set domain.Properties, remove []string) (*Record, error)

	// Move атомарно переносит запись с from (версия version) на to
	// с полями fields. ErrAlreadyExists, если to занят другой записью.
	Move(ctx context.Context, from string, version int64, to string, fields domain.Properties) (*Record, error)

	// Delete удаляет запись. version == AnyVersion удаляет без проверки.
	Delete(ctx context.Context, path string, version int64) error

	// List возвращает записи с путями под prefix, отсортированные по пути.
	List(ctx context.Context, prefix string) ([]Record, error)

	// FindByField возвращает записи под prefix, у которых текстовая форма
	// поля name равна value.
	FindByField(ctx context.Context, prefix, name, value string) ([]Record, error)
}
