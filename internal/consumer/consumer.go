package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
)

// Outcome — итог выполнения job consumer'ом.
type Outcome string

const (
	// OutcomeSucceeded — работа выполнена.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed — временная ошибка, job можно повторить.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled — consumer отказался от job, повтор не нужен.
	OutcomeCancelled Outcome = "cancelled"
)

// Result — результат, передаваемый в DoneFunc.
type Result struct {
	Outcome Outcome

	// Message — сообщение о результате, сохраняется в job.
	Message string

	// RetryDelay — переопределение задержки перед повтором (для OutcomeFailed).
	RetryDelay time.Duration

	// Err — необработанный сбой consumer'а. Job завершается как ERROR
	// независимо от Outcome.
	Err error
}

// Succeeded возвращает успешный результат.
func Succeeded() Result {
	return Result{Outcome: OutcomeSucceeded}
}

// Failed возвращает результат с повтором.
func Failed(msg string) Result {
	return Result{Outcome: OutcomeFailed, Message: msg}
}

// FailedAfter возвращает результат с повтором через delay.
func FailedAfter(msg string, delay time.Duration) Result {
	return Result{Outcome: OutcomeFailed, Message: msg, RetryDelay: delay}
}

// Cancelled возвращает результат без повтора.
func Cancelled(msg string) Result {
	return Result{Outcome: OutcomeCancelled, Message: msg}
}

// Crashed возвращает результат для необработанного сбоя.
func Crashed(err error) Result {
	return Result{Outcome: OutcomeCancelled, Message: err.Error(), Err: err}
}

// UpdateListener принимает промежуточные аннотации job
// (например фазу обработки) для наблюдаемости.
type UpdateListener interface {
	Update(key string, value domain.Value)
}

// UpdateFunc — адаптер функции к UpdateListener.
type UpdateFunc func(key string, value domain.Value)

// Update вызывает f.
func (f UpdateFunc) Update(key string, value domain.Value) {
	f(key, value)
}

// DoneFunc сообщает финальный результат. Вызывается ровно один раз.
type DoneFunc func(Result)

// Consumer выполняет работу для job.
//
// Execute либо принимает job и позже ровно один раз вызывает done,
// либо возвращает ошибку ErrBackpressure, и тогда done не вызывается.
// ctx отменяется только при принудительной остановке пула;
// для кооперативной остановки consumer опрашивает token.
type Consumer interface {
	Execute(ctx context.Context, job domain.Job, token *Token, updates UpdateListener, done DoneFunc) error
}

// Func — синхронный consumer: результат функции передаётся в done.
type Func func(ctx context.Context, job domain.Job, token *Token, updates UpdateListener) Result

// Execute выполняет функцию синхронно.
func (f Func) Execute(ctx context.Context, job domain.Job, token *Token, updates UpdateListener, done DoneFunc) error {
	done(f(ctx, job, token, updates))
	return nil
}

// Once оборачивает DoneFunc так, что повторные вызовы игнорируются.
// Возвращает обёртку и функцию, сообщающую, был ли вызов.
func Once(done DoneFunc) (DoneFunc, func() bool) {
	var (
		mu     sync.Mutex
		called bool
	)
	wrapped := func(r Result) {
		mu.Lock()
		if called {
			mu.Unlock()
			return
		}
		called = true
		mu.Unlock()
		done(r)
	}
	isCalled := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return called
	}
	return wrapped, isCalled
}

// PanicError — необработанная паника consumer'а.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("consumer panic: %v", e.Value)
}

// Unwrap связывает панику с ErrConsumerFailure.
func (e *PanicError) Unwrap() error {
	return ErrConsumerFailure
}
