// Package backoff вычисляет задержку перед повтором job.
//
// Стратегии построены на github.com/cenkalti/backoff/v4. Каждый вызов Delay
// проходит новую последовательность задержек до номера попытки, поэтому
// стратегии не хранят состояния и безопасны для конкурентного использования.
package backoff

import (
	"time"

	cb "github.com/cenkalti/backoff/v4"
)

// DefaultMax — верхняя граница задержки по умолчанию.
const DefaultMax = 10 * time.Minute

// DefaultRandomization — разброс экспоненциальной задержки: [d/2, 3d/2].
const DefaultRandomization = 0.5

// maxSteps ограничивает проход последовательности: к этому шагу
// любая стратегия уже упирается в Max.
const maxSteps = 64

// Strategy вычисляет задержку перед попыткой.
type Strategy interface {
	// Delay возвращает задержку перед повтором номер attempt (с 1).
	Delay(attempt int) time.Duration
}

// Kind — имя стратегии в конфигурации очереди.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
)

// New возвращает стратегию по имени. Неизвестное или пустое имя —
// Constant. max <= 0 заменяется на DefaultMax.
func New(kind Kind, base, max time.Duration) Strategy {
	if max <= 0 {
		max = DefaultMax
	}
	switch kind {
	case KindLinear:
		return &Linear{Initial: base, Max: max}
	case KindExponential:
		return &Exponential{Initial: base, Max: max, RandomizationFactor: DefaultRandomization}
	default:
		return &Constant{Interval: base}
	}
}

// delayAt возвращает задержку шага attempt новой последовательности b.
func delayAt(b cb.BackOff, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	attempt = min(attempt, maxSteps)

	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == cb.Stop {
		return 0
	}
	return d
}

// Constant всегда возвращает одну и ту же задержку.
type Constant struct {
	Interval time.Duration
}

// Delay возвращает Interval.
func (c *Constant) Delay(attempt int) time.Duration {
	return delayAt(cb.NewConstantBackOff(c.Interval), attempt)
}

// Linear: Initial * attempt, не больше Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay возвращает Initial * attempt с ограничением Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return delayAt(&linearBackOff{initial: l.Initial, max: l.Max}, attempt)
}

// linearBackOff — последовательность Initial, 2*Initial, ... для cb.BackOff.
type linearBackOff struct {
	initial time.Duration
	max     time.Duration
	step    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.step++
	d := b.initial * time.Duration(b.step)
	if b.max > 0 && (d > b.max || d < 0) {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() {
	b.step = 0
}

// Exponential: Initial * 2^(attempt-1), не больше Max.
// RandomizationFactor f разбрасывает задержку в [d*(1-f), d*(1+f)].
type Exponential struct {
	Initial             time.Duration
	Max                 time.Duration
	RandomizationFactor float64
}

// Delay возвращает экспоненциальную задержку.
func (e *Exponential) Delay(attempt int) time.Duration {
	exp := cb.NewExponentialBackOff()
	exp.InitialInterval = e.Initial
	exp.Multiplier = 2
	exp.MaxInterval = e.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = DefaultMax
	}
	exp.RandomizationFactor = e.RandomizationFactor
	// Бюджет попыток задаёт очередь, а не время
	exp.MaxElapsedTime = 0
	return delayAt(exp, attempt)
}
