package store

import (
	"context"
	"sync"

	"github.com/shaiso/conveyor/internal/domain"
)

// Op — операция хранилища, на которую можно назначить сбой.
type Op string

const (
	OpCreate Op = "create"
	OpPut    Op = "put"
	OpCommit Op = "commit"
	OpMove   Op = "move"
	OpDelete Op = "delete"
)

// Faulty — обёртка над Store, возвращающая заданные ошибки.
// Используется для проверки поведения при конфликтах и недоступности.
type Faulty struct {
	Store

	mu     sync.Mutex
	faults map[Op][]error
}

// NewFaulty оборачивает хранилище.
func NewFaulty(s Store) *Faulty {
	return &Faulty{Store: s, faults: make(map[Op][]error)}
}

// FailNext назначает ошибку следующему вызову op.
func (f *Faulty) FailNext(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], err)
}

func (f *Faulty) next(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := f.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f.faults[op] = queue[1:]
	return queue[0]
}

// Create см. Store.Create.
func (f *Faulty) Create(ctx context.Context, path string, fields domain.Properties) (*Record, error) {
	if err := f.next(OpCreate); err != nil {
		return nil, err
	}
	return f.Store.Create(ctx, path, fields)
}

// Put см. Store.Put.
func (f *Faulty) Put(ctx context.Context, path string, fields domain.Properties) (*Record, error) {
	if err := f.next(OpPut); err != nil {
		return nil, err
	}
	return f.Store.Put(ctx, path, fields)
}

// Commit см. Store.Commit.
func (f *Faulty) Commit(ctx context.Context, path string, version int64, set domain.Properties, remove []string) (*Record, error) {
	if err := f.next(OpCommit); err != nil {
		return nil, err
	}
	return f.Store.Commit(ctx, path, version, set, remove)
}

// Move см. Store.Move.
func (f *Faulty) Move(ctx context.Context, from string, version int64, to string, fields domain.Properties) (*Record, error) {
	if err := f.next(OpMove); err != nil {
		return nil, err
	}
	return f.Store.Move(ctx, from, version, to, fields)
}

// Delete см. Store.Delete.
func (f *Faulty) Delete(ctx context.Context, path string, version int64) error {
	if err := f.next(OpDelete); err != nil {
		return err
	}
	return f.Store.Delete(ctx, path, version)
}
