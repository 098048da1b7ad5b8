package api

import (
	"net/http"
)

// ListQueues возвращает статистику локальных очередей.
// GET /api/v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	stats := h.jobs.Statistics()
	List(w, stats, len(stats))
}

// SuspendQueue приостанавливает выдачу job из очереди.
// POST /api/v1/queues/{name}/suspend
func (h *Handler) SuspendQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if HandleError(w, h.logger, h.jobs.SuspendQueue(name), "queue not found") {
		return
	}

	h.logger.Info("queue suspended", "queue", name)
	NoContent(w)
}

// ResumeQueue возобновляет очередь.
// POST /api/v1/queues/{name}/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if HandleError(w, h.logger, h.jobs.ResumeQueue(name), "queue not found") {
		return
	}

	h.logger.Info("queue resumed", "queue", name)
	NoContent(w)
}

// ClearQueue удаляет ожидающие job очереди.
// POST /api/v1/queues/{name}/clear
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	removed, err := h.jobs.ClearQueue(r.Context(), name)
	if HandleError(w, h.logger, err, "queue not found") {
		return
	}

	Success(w, ClearQueueResponse{Queue: name, Removed: removed})
}

// GetTopology возвращает текущий снимок кластера.
// GET /api/v1/topology
func (h *Handler) GetTopology(w http.ResponseWriter, r *http.Request) {
	caps := h.jobs.Topology()
	if caps == nil {
		ServiceUnavailable(w, "topology not available")
		return
	}

	Success(w, TopologyFromDomain(caps))
}
