package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Jobs
	mux.Handle("GET /api/v1/jobs", chain(http.HandlerFunc(h.ListJobs)))
	mux.Handle("POST /api/v1/jobs", chain(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("DELETE /api/v1/jobs/{id}", chain(http.HandlerFunc(h.AbortJob)))
	mux.Handle("POST /api/v1/jobs/{id}/stop", chain(http.HandlerFunc(h.StopJob)))
	mux.Handle("POST /api/v1/jobs/{id}/retry", chain(http.HandlerFunc(h.RetryJob)))

	// Queues
	mux.Handle("GET /api/v1/queues", chain(http.HandlerFunc(h.ListQueues)))
	mux.Handle("POST /api/v1/queues/{name}/suspend", chain(http.HandlerFunc(h.SuspendQueue)))
	mux.Handle("POST /api/v1/queues/{name}/resume", chain(http.HandlerFunc(h.ResumeQueue)))
	mux.Handle("POST /api/v1/queues/{name}/clear", chain(http.HandlerFunc(h.ClearQueue)))

	// Topology
	mux.Handle("GET /api/v1/topology", chain(http.HandlerFunc(h.GetTopology)))

	// Schedules
	if h.scheduler != nil {
		mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))
		mux.Handle("GET /api/v1/schedules/{name}", chain(http.HandlerFunc(h.GetSchedule)))
		mux.Handle("PUT /api/v1/schedules/{name}", chain(http.HandlerFunc(h.PutSchedule)))
		mux.Handle("DELETE /api/v1/schedules/{name}", chain(http.HandlerFunc(h.DeleteSchedule)))
		mux.Handle("PUT /api/v1/schedules/{name}/enabled", chain(http.HandlerFunc(h.SetScheduleEnabled)))
	}
}
