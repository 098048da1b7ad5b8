package handler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/store"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/topology"
)

// Topology — источник текущего снимка состава кластера.
// *topology.Tracker реализует этот интерфейс.
type Topology interface {
	Current() *topology.Capabilities
}

// Config — зависимости, общие для всех Handler одного экземпляра.
type Config struct {
	Store    store.Store
	Layout   domain.Layout
	Configs  *queueconf.Manager
	Topology Topology

	// LeaseTTL — срок аренды обработки. 0 — аренда выключена.
	LeaseTTL time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Now — источник времени (default: time.Now).
	Now func() time.Time
}

// Env — окружение Handler'ов.
type Env struct {
	store    store.Store
	layout   domain.Layout
	configs  *queueconf.Manager
	topology Topology
	leaseTTL time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnv создаёт окружение.
func NewEnv(cfg Config) *Env {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	layout := cfg.Layout
	if layout.Root == "" {
		layout = domain.DefaultLayout()
	}

	return &Env{
		store:    cfg.Store,
		layout:   layout,
		configs:  cfg.Configs,
		topology: cfg.Topology,
		leaseTTL: cfg.LeaseTTL,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      now,
	}
}

// Store возвращает хранилище.
func (e *Env) Store() store.Store { return e.store }

// Layout возвращает схему путей.
func (e *Env) Layout() domain.Layout { return e.layout }

// Configs возвращает менеджер конфигураций очередей.
func (e *Env) Configs() *queueconf.Manager { return e.configs }

// Capabilities возвращает текущий снимок топологии.
func (e *Env) Capabilities() *topology.Capabilities { return e.topology.Current() }

// LocalID возвращает идентификатор локального экземпляра.
func (e *Env) LocalID() string { return e.topology.Current().LocalID() }

// LeaseTTL возвращает срок аренды.
func (e *Env) LeaseTTL() time.Duration { return e.leaseTTL }

// Metrics возвращает метрики (может быть nil).
func (e *Env) Metrics() *telemetry.Metrics { return e.metrics }

// Logger возвращает логгер.
func (e *Env) Logger() *slog.Logger { return e.logger }

// Now возвращает текущее время в UTC.
func (e *Env) Now() time.Time { return e.now().UTC() }

// logStoreError логирует ошибку хранилища с уровнем по таксономии:
// пропавшая запись — DEBUG, конфликт — WARN, остальное — ERROR.
func (e *Env) logStoreError(logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Debug("job record missing", "op", op, "error", err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrAlreadyExists):
		e.metrics.StoreConflict()
		logger.Warn("job record changed concurrently", "op", op, "error", err)
	default:
		logger.Error("job store operation failed", "op", op, "error", err)
	}
}
