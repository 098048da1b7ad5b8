// Package config загружает конфигурацию процесса из переменных окружения.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
)

// StoreKind — реализация хранилища job.
type StoreKind string

const (
	StorePostgres StoreKind = "postgres"
	StoreMemory   StoreKind = "memory"
)

// Config — конфигурация экземпляра conveyor-node.
type Config struct {
	// InstanceID — идентификатор экземпляра. По умолчанию hostname.
	InstanceID string `envconfig:"INSTANCE_ID"`

	// InstanceCapacity — вес экземпляра при выборе владельца job.
	InstanceCapacity int `envconfig:"INSTANCE_CAPACITY" default:"1"`

	// Store — postgres или memory. Memory подходит только для одного экземпляра.
	Store StoreKind `envconfig:"STORE" default:"postgres"`

	DBURL       string `envconfig:"DB_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	RabbitMQURL string `envconfig:"RABBITMQ_URL"`

	// RabbitMQDisabled отключает уведомления: job подхватываются только обходом.
	RabbitMQDisabled bool `envconfig:"RABBITMQ_DISABLED" default:"false"`

	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// QueueConfig — путь к YAML с очередями и расписаниями.
	QueueConfig string `envconfig:"QUEUE_CONFIG"`

	// JobsRoot — корень путей job в хранилище.
	JobsRoot string `envconfig:"JOBS_ROOT" default:"jobs"`

	// HTTPConsumerTopics — шаблоны topic, обрабатываемые webhook-consumer'ом.
	HTTPConsumerTopics []string `envconfig:"HTTP_CONSUMER_TOPICS" default:"webhook/*"`

	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	InstanceTTL       time.Duration `envconfig:"INSTANCE_TTL" default:"20s"`

	// LeaseTTL — срок аренды обработки. 0 — аренда выключена.
	LeaseTTL time.Duration `envconfig:"LEASE_TTL" default:"0s"`

	ShutdownWait time.Duration `envconfig:"SHUTDOWN_WAIT" default:"30s"`

	// ScheduleTick — период проверки расписаний. 0 — scheduler выключен.
	ScheduleTick time.Duration `envconfig:"SCHEDULE_TICK" default:"1s"`
}

// Load читает конфигурацию из окружения и проверяет её.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve подставляет производные значения и валидирует конфигурацию.
func (c *Config) resolve() error {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "conveyor-" + domain.NewJobID()[:8]
		}
		c.InstanceID = host
	}
	if strings.ContainsAny(c.InstanceID, "/") {
		return fmt.Errorf("INSTANCE_ID must not contain '/': %q", c.InstanceID)
	}

	switch c.Store {
	case StorePostgres:
		if c.DBURL == "" {
			c.DBURL = repo.DefaultDSN
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE: %s", c.Store)
	}

	if c.RabbitMQURL == "" {
		c.RabbitMQURL = mq.DefaultURL()
	}
	if c.InstanceCapacity <= 0 {
		return fmt.Errorf("INSTANCE_CAPACITY must be positive, got %d", c.InstanceCapacity)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTPPort)
	}
	if c.InstanceTTL <= c.HeartbeatInterval {
		return fmt.Errorf("INSTANCE_TTL (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.InstanceTTL, c.HeartbeatInterval)
	}
	return nil
}

// Addr возвращает адрес HTTP-сервера.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// Layout возвращает раскладку путей job.
func (c *Config) Layout() domain.Layout {
	return domain.Layout{Root: c.JobsRoot}
}
