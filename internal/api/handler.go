package api

import (
	"log/slog"

	"github.com/shaiso/conveyor/internal/manager"
	"github.com/shaiso/conveyor/internal/scheduler"
)

// Handler — обработчик API экземпляра.
type Handler struct {
	jobs      *manager.Manager
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// Config — зависимости Handler.
type Config struct {
	Jobs *manager.Manager

	// Scheduler опционален: без него маршруты /schedules не регистрируются.
	Scheduler *scheduler.Scheduler

	Logger *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:      cfg.Jobs,
		scheduler: cfg.Scheduler,
		logger:    logger.With("component", "api"),
	}
}
