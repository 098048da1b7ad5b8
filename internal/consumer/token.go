package consumer

import "sync"

// Token — advisory-сигнал остановки job.
//
// Consumer проверяет Stopped() или ждёт Done() в безопасных точках.
// Принудительного прерывания нет.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

// NewToken создаёт неподнятый токен.
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Stop поднимает сигнал. Повторные вызовы безопасны.
func (t *Token) Stop() {
	t.once.Do(func() { close(t.ch) })
}

// Stopped возвращает true, если сигнал поднят.
func (t *Token) Stopped() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done возвращает канал, закрываемый при Stop.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}
