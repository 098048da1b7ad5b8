package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shaiso/conveyor/internal/domain"
)

// Memory — хранилище в памяти процесса.
//
// Используется в тестах и в режиме одного экземпляра без PostgreSQL.
// Семантика версий совпадает с repo.JobStore.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

var _ Store = (*Memory)(nil)

// Get возвращает копию записи.
func (m *Memory) Get(_ context.Context, path string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	return copyRecord(rec), nil
}

// Exists проверяет наличие записи.
func (m *Memory) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[path]
	return ok, nil
}

// Create создаёт запись с версией 1.
func (m *Memory) Create(_ context.Context, path string, fields domain.Properties) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[path]; ok {
		return nil, fmt.Errorf("create %s: %w", path, ErrAlreadyExists)
	}
	rec := Record{Path: path, Version: 1, Fields: fields.Clone()}
	m.records[path] = rec
	return copyRecord(rec), nil
}

// Put создаёт или заменяет запись.
func (m *Memory) Put(_ context.Context, path string, fields domain.Properties) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := int64(1)
	if old, ok := m.records[path]; ok {
		version = old.Version + 1
	}
	rec := Record{Path: path, Version: version, Fields: fields.Clone()}
	m.records[path] = rec
	return copyRecord(rec), nil
}

// Commit применяет изменения при совпадении версии.
func (m *Memory) Commit(_ context.Context, path string, version int64, set domain.Properties, remove []string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", path, ErrNotFound)
	}
	if rec.Version != version {
		return nil, fmt.Errorf("commit %s (have v%d, want v%d): %w", path, rec.Version, version, ErrConflict)
	}

	fields := rec.Fields.Clone()
	for _, name := range remove {
		delete(fields, name)
	}
	for k, v := range set {
		fields[k] = v
	}

	rec = Record{Path: path, Version: version + 1, Fields: fields}
	m.records[path] = rec
	return copyRecord(rec), nil
}

// Move переносит запись атомарно.
func (m *Memory) Move(_ context.Context, from string, version int64, to string, fields domain.Properties) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[from]
	if !ok {
		return nil, fmt.Errorf("move %s: %w", from, ErrNotFound)
	}
	if rec.Version != version {
		return nil, fmt.Errorf("move %s: %w", from, ErrConflict)
	}
	if from == to {
		rec = Record{Path: to, Version: version + 1, Fields: fields.Clone()}
		m.records[to] = rec
		return copyRecord(rec), nil
	}
	if _, ok := m.records[to]; ok {
		return nil, fmt.Errorf("move %s -> %s: %w", from, to, ErrAlreadyExists)
	}

	delete(m.records, from)
	moved := Record{Path: to, Version: 1, Fields: fields.Clone()}
	m.records[to] = moved
	return copyRecord(moved), nil
}

// Delete удаляет запись.
func (m *Memory) Delete(_ context.Context, path string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[path]
	if !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	if version != AnyVersion && rec.Version != version {
		return fmt.Errorf("delete %s: %w", path, ErrConflict)
	}
	delete(m.records, path)
	return nil
}

// List возвращает записи под prefix.
func (m *Memory) List(_ context.Context, prefix string) ([]Record, error) {
	return m.filter(prefix, func(Record) bool { return true }), nil
}

// FindByField возвращает записи под prefix с совпадающим полем.
func (m *Memory) FindByField(_ context.Context, prefix, name, value string) ([]Record, error) {
	return m.filter(prefix, func(rec Record) bool {
		v, ok := rec.Fields[name]
		return ok && v.String() == value
	}), nil
}

// Len возвращает количество записей.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) filter(prefix string, match func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Record
	for path, rec := range m.records {
		if strings.HasPrefix(path, prefix) && match(rec) {
			result = append(result, *copyRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

func copyRecord(rec Record) *Record {
	return &Record{Path: rec.Path, Version: rec.Version, Fields: rec.Fields.Clone()}
}
