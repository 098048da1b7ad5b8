package queueconf

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// QueueType — политика очереди.
type QueueType string

const (
	// TypeUnordered — любой свободный worker берёт любой готовый job.
	TypeUnordered QueueType = "UNORDERED"

	// TypeOrdered — внутри одного topic job выполняются строго по порядку.
	TypeOrdered QueueType = "ORDERED"

	// TypeTopicRoundRobin — job группируются по topic в lanes,
	// lanes обходятся по кругу.
	TypeTopicRoundRobin QueueType = "TOPIC_ROUND_ROBIN"

	// TypeIgnore — job не обрабатываются и остаются неназначенными.
	TypeIgnore QueueType = "IGNORE"

	// TypeDrop — job отбрасываются.
	TypeDrop QueueType = "DROP"
)

// IsProcessing возвращает true для типов, которые реально выполняют job.
func (t QueueType) IsProcessing() bool {
	switch t {
	case TypeUnordered, TypeOrdered, TypeTopicRoundRobin:
		return true
	default:
		return false
	}
}

// Priority — приоритет очереди. Определяет порядок запуска очередей.
type Priority string

const (
	PriorityMin  Priority = "MIN"
	PriorityNorm Priority = "NORM"
	PriorityMax  Priority = "MAX"
)

// Rank возвращает числовой ранг приоритета (больше — важнее).
func (p Priority) Rank() int {
	switch p {
	case PriorityMax:
		return 2
	case PriorityMin:
		return 0
	default:
		return 1
	}
}

// Backoff — стратегия задержки между попытками.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// NamePlaceholder заменяется в имени очереди на часть topic,
// совпавшую с wildcard-шаблоном.
const NamePlaceholder = "{0}"

// Значения по умолчанию.
const (
	DefaultName       = "default"
	DefaultMaxRetries = 10
	DefaultRetryDelay = 2 * time.Second
	DefaultPool       = "default"
)

// Configuration — конфигурация очереди.
//
// Конфигурация неизменяема после сопоставления с работающей очередью;
// изменения вступают в силу через переконфигурирование очереди.
type Configuration struct {
	// Name — имя очереди. Может содержать {0}.
	Name string `yaml:"name" json:"name"`

	// Type — политика диспетчеризации.
	Type QueueType `yaml:"type" json:"type"`

	// Topics — шаблоны topic: точное имя или префикс с "/*".
	Topics []string `yaml:"topics" json:"topics"`

	// MaxParallel — окно допуска. -1 — по числу CPU.
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`

	// MaxRetries — retry-бюджет. -1 — без ограничения.
	MaxRetries int `yaml:"retries" json:"retries"`

	// RetryDelay — базовая задержка перед повтором.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Backoff — стратегия роста задержки.
	Backoff Backoff `yaml:"backoff" json:"backoff,omitempty"`

	// Priority — приоритет очереди.
	Priority Priority `yaml:"priority" json:"priority"`

	// Pool — имя пула воркеров.
	Pool string `yaml:"pool" json:"pool"`

	// KeepJobs — сохранять успешные job в истории.
	// Неуспешные сохраняются всегда.
	KeepJobs bool `yaml:"keep_jobs" json:"keep_jobs"`

	// RunLocal — job выполняются на создавшем их экземпляре.
	RunLocal bool `yaml:"run_local" json:"run_local"`

	// Ranking — разрешает равные по специфичности шаблоны.
	Ranking int `yaml:"ranking" json:"ranking"`

	// JobTimeout — таймаут обработки, 0 — без таймаута.
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout,omitempty"`

	// RateLimit — допусков в секунду, 0 — без ограничения.
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit,omitempty"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Configuration {
	return Configuration{
		Name:        DefaultName,
		Type:        TypeUnordered,
		Topics:      []string{"*"},
		MaxParallel: -1,
		MaxRetries:  DefaultMaxRetries,
		RetryDelay:  DefaultRetryDelay,
		Backoff:     BackoffConstant,
		Priority:    PriorityNorm,
		Pool:        DefaultPool,
	}
}

// applyDefaults заполняет незаданные поля.
func (c *Configuration) applyDefaults() {
	if c.Type == "" {
		c.Type = TypeUnordered
	}
	if c.Priority == "" {
		c.Priority = PriorityNorm
	}
	if c.Pool == "" {
		c.Pool = DefaultPool
	}
	if c.Backoff == "" {
		c.Backoff = BackoffConstant
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 1
	}
}

// Validate проверяет корректность конфигурации.
func (c *Configuration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("%w: queue %s has no topics", ErrInvalidConfig, c.Name)
	}
	for _, t := range c.Topics {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: queue %s has empty topic pattern", ErrInvalidConfig, c.Name)
		}
	}
	switch c.Type {
	case TypeUnordered, TypeOrdered, TypeTopicRoundRobin, TypeIgnore, TypeDrop:
	default:
		return fmt.Errorf("%w: queue %s has unknown type %q", ErrInvalidConfig, c.Name, c.Type)
	}
	if c.MaxRetries < -1 {
		return fmt.Errorf("%w: queue %s retries must be >= -1", ErrInvalidConfig, c.Name)
	}
	if c.MaxParallel < 1 && c.MaxParallel != -1 {
		return fmt.Errorf("%w: queue %s max_parallel must be >= 1 or -1", ErrInvalidConfig, c.Name)
	}
	if c.RetryDelay < 0 || c.JobTimeout < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: queue %s has negative durations or rate", ErrInvalidConfig, c.Name)
	}
	switch c.Backoff {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("%w: queue %s has unknown backoff %q", ErrInvalidConfig, c.Name, c.Backoff)
	}
	return nil
}

// EffectiveMaxParallel возвращает размер окна допуска.
func (c *Configuration) EffectiveMaxParallel() int {
	if c.MaxParallel == -1 {
		return runtime.NumCPU()
	}
	return max(c.MaxParallel, 1)
}

// match сопоставляет topic с шаблонами конфигурации.
// Возвращает специфичность совпадения (длину префикса) и часть topic,
// совпавшую с wildcard. exact=true для точного совпадения.
func (c *Configuration) match(topic string) (specificity int, remainder string, exact, ok bool) {
	specificity = -1
	for _, pattern := range c.Topics {
		if pattern == topic {
			return len(pattern), "", true, true
		}

		prefix, isWildcard := strings.CutSuffix(pattern, "*")
		if !isWildcard {
			continue
		}
		if !strings.HasPrefix(topic, prefix) || len(topic) == len(prefix) {
			continue
		}
		if len(prefix) > specificity {
			specificity = len(prefix)
			remainder = topic[len(prefix):]
			ok = true
		}
	}
	return specificity, remainder, false, ok
}

// resolveName подставляет совпавшую часть topic в имя очереди.
func (c *Configuration) resolveName(remainder string) string {
	if !strings.Contains(c.Name, NamePlaceholder) {
		return c.Name
	}
	return strings.ReplaceAll(c.Name, NamePlaceholder, strings.ReplaceAll(remainder, "/", "."))
}
