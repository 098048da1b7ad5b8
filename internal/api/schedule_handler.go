package api

import (
	"encoding/json"
	"net/http"
)

// ListSchedules возвращает список schedules.
// GET /api/v1/schedules?enabled=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.scheduler.List(r.Context())
	if HandleError(w, h.logger, err, "") {
		return
	}

	enabledStr := r.URL.Query().Get("enabled")
	result := make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		if enabledStr != "" && s.Enabled != (enabledStr == "true") {
			continue
		}
		result = append(result, ScheduleFromDomain(s))
	}

	List(w, result, len(result))
}

// GetSchedule возвращает schedule по имени.
// GET /api/v1/schedules/{name}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.scheduler.Get(r.Context(), r.PathValue("name"))
	if HandleError(w, h.logger, err, "schedule not found") {
		return
	}

	Success(w, ScheduleFromDomain(sched))
}

// PutSchedule создаёт или заменяет schedule.
// PUT /api/v1/schedules/{name}
func (h *Handler) PutSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Topic == "" {
		BadRequest(w, "topic is required")
		return
	}

	if req.CronExpr == "" && req.IntervalSec <= 0 {
		BadRequest(w, "either cron_expr or interval_sec is required")
		return
	}

	sched, err := req.ToDomain(name)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	if HandleError(w, h.logger, h.scheduler.Define(r.Context(), sched), "") {
		return
	}

	// Define вычисляет NextDueAt, поэтому отдаём сохранённое состояние
	saved, err := h.scheduler.Get(r.Context(), name)
	if HandleError(w, h.logger, err, "schedule not found") {
		return
	}

	h.logger.Info("schedule defined", "schedule", name, "topic", saved.Topic)
	Success(w, ScheduleFromDomain(saved))
}

// DeleteSchedule удаляет schedule.
// DELETE /api/v1/schedules/{name}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if HandleError(w, h.logger, h.scheduler.Remove(r.Context(), name), "schedule not found") {
		return
	}

	NoContent(w)
}

// SetScheduleEnabled включает или выключает schedule.
// PUT /api/v1/schedules/{name}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if HandleError(w, h.logger, h.scheduler.SetEnabled(r.Context(), name, req.Enabled), "schedule not found") {
		return
	}

	sched, err := h.scheduler.Get(r.Context(), name)
	if HandleError(w, h.logger, err, "schedule not found") {
		return
	}

	Success(w, ScheduleFromDomain(sched))
}
