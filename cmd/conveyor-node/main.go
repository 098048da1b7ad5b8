// Conveyor Node — один экземпляр кластера обработки job.
//
// Node:
//   - Держит локальные очереди и обрабатывает job, владельцем которых является
//   - Регистрируется в реестре экземпляров (heartbeat) и следит за составом кластера
//   - Периодически обходит хранилище: подхватывает свои и брошенные job
//   - Получает уведомления и control-сигналы через RabbitMQ (если доступен)
//   - Создаёт job по расписаниям
//   - Обслуживает HTTP API, /healthz и /metrics
//
// Экземпляры масштабируются горизонтально поверх общей PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/conveyor/internal/api"
	"github.com/shaiso/conveyor/internal/config"
	"github.com/shaiso/conveyor/internal/consumer"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/manager"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/repo"
	"github.com/shaiso/conveyor/internal/scheduler"
	"github.com/shaiso/conveyor/internal/store"
	"github.com/shaiso/conveyor/internal/telemetry"
	"github.com/shaiso/conveyor/internal/topology"
)

// version задаётся через ldflags при сборке.
var version = "dev"

var (
	startTime = time.Now()
	nodeInfo  = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conveyor_node_info",
		Help: "Static information about the running conveyor node.",
	}, []string{"instance", "version", "store"})
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = telemetry.WithInstance(logger, cfg.InstanceID)
	logger.Info("starting conveyor-node", "version", version, "store", cfg.Store)
	nodeInfo.WithLabelValues(cfg.InstanceID, version, string(cfg.Store)).Set(1)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Consumer'ы: от них зависят topic, которые экземпляр объявляет в реестре
	consumers := consumer.NewRegistry()
	webhook := &consumer.HTTPConsumer{Client: &http.Client{}}
	for _, pattern := range cfg.HTTPConsumerTopics {
		consumers.Register(pattern, webhook)
	}

	self := topology.Instance{
		ID:       cfg.InstanceID,
		Capacity: cfg.InstanceCapacity,
		Topics:   consumers.Topics(),
	}
	tracker := topology.NewTracker(cfg.InstanceID, []topology.Instance{self})

	// Хранилище и реестр экземпляров
	var (
		jobStore store.Store
		source   topology.Source
	)
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.DBURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected")

		jobStore = repo.NewJobStore(pool)
		source = repo.NewInstanceRepo(pool)
	default:
		logger.Warn("using in-memory store, jobs are lost on restart and not shared between instances")
		jobStore = store.NewMemory()
	}

	if source != nil {
		registry := topology.NewRegistry(topology.RegistryConfig{
			Source:   source,
			Tracker:  tracker,
			Self:     self,
			Interval: cfg.HeartbeatInterval,
			TTL:      cfg.InstanceTTL,
			Logger:   logger,
		})
		if err := registry.Start(ctx); err != nil {
			logger.Error("failed to register instance", "error", err)
			os.Exit(1)
		}
		defer registry.Stop(context.Background())
	}

	// Очереди и расписания
	queueFile, configs, err := loadQueueConfig(cfg.QueueConfig)
	if err != nil {
		logger.Error("failed to load queue configuration", "path", cfg.QueueConfig, "error", err)
		os.Exit(1)
	}

	env := handler.NewEnv(handler.Config{
		Store:    jobStore,
		Layout:   cfg.Layout(),
		Configs:  configs,
		Topology: tracker,
		LeaseTTL: cfg.LeaseTTL,
		Metrics:  telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Logger:   logger,
	})

	// RabbitMQ
	managerCfg := manager.Config{
		Env:           env,
		Tracker:       tracker,
		Consumers:     consumers,
		SweepInterval: cfg.SweepInterval,
		ShutdownWait:  cfg.ShutdownWait,
		Logger:        logger,
	}

	var mqConn *mq.Connection
	if !cfg.RabbitMQDisabled {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, "conveyor-node-"+cfg.InstanceID, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}

			publisher := mq.NewPublisher(mqConn, logger)
			managerCfg.Notifier = publisher
			managerCfg.Events = publisher
		}
	}

	jobs := manager.New(managerCfg)

	sched := scheduler.New(scheduler.Config{
		Store:        jobStore,
		Layout:       cfg.Layout(),
		Jobs:         jobs,
		Logger:       logger,
		TickInterval: cfg.ScheduleTick,
	})
	defineSchedules(ctx, sched, queueFile, logger)

	if err := jobs.Start(ctx); err != nil {
		logger.Error("failed to start job manager", "error", err)
		os.Exit(1)
	}

	// HTTP: API + /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())
	api.NewHandler(api.Config{Jobs: jobs, Scheduler: sched, Logger: logger}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if mqConn != nil {
		listener := mq.NewConsumer(mqConn, mq.ConsumerConfig{
			Queue:   mq.NodeQueue(cfg.InstanceID),
			Handler: mq.Dispatch(jobs),
			Declare: mq.DeclareNodeQueue(cfg.InstanceID),
			Logger:  logger,
		})
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	if cfg.ScheduleTick > 0 {
		g.Go(func() error {
			sched.Run(gctx)
			return nil
		})
	}

	if cfg.QueueConfig != "" {
		g.Go(func() error {
			watchReload(gctx, cfg.QueueConfig, configs, logger)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("node failed", "error", err)
	}

	// Останавливаем очереди: активные job получают ShutdownWait на завершение
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownWait+5*time.Second)
	defer stopCancel()
	if err := jobs.Stop(stopCtx); err != nil {
		logger.Error("failed to stop job manager", "error", err)
	}

	logger.Info("conveyor-node stopped")
}

// loadQueueConfig читает YAML с очередями. Без файла — только очередь по умолчанию.
func loadQueueConfig(path string) (*queueconf.File, *queueconf.Manager, error) {
	if path == "" {
		configs, err := queueconf.NewManager(queueconf.Default())
		return &queueconf.File{}, configs, err
	}

	file, err := queueconf.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	configs, err := queueconf.NewManagerFromFile(file)
	if err != nil {
		return nil, nil, err
	}
	return file, configs, nil
}

// defineSchedules сохраняет расписания из файла. Ошибка одного расписания
// не мешает остальным.
func defineSchedules(ctx context.Context, sched *scheduler.Scheduler, file *queueconf.File, logger *slog.Logger) {
	for _, entry := range file.Schedules {
		def, err := entry.ToScheduledJob()
		if err == nil {
			err = sched.Define(ctx, def)
		}
		if err != nil {
			logger.Error("failed to define schedule", "schedule", entry.Name, "error", err)
			continue
		}
		logger.Info("schedule defined", "schedule", def.Name, "topic", def.Topic)
	}
}

// watchReload перечитывает конфигурацию очередей по SIGHUP.
// Manager перезапускает очереди, конфигурация которых изменилась.
func watchReload(ctx context.Context, path string, configs *queueconf.Manager, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		file, err := queueconf.LoadFile(path)
		if err != nil {
			logger.Error("failed to reload queue configuration", "path", path, "error", err)
			continue
		}
		if err := configs.Update(file.Queues); err != nil {
			logger.Error("invalid queue configuration", "path", path, "error", err)
			continue
		}
		logger.Info("queue configuration reloaded", "queues", len(file.Queues))
	}
}
