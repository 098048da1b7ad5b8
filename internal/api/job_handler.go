package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/manager"
)

const (
	defaultJobLimit = 100
	maxJobLimit     = 1000
)

// ListJobs возвращает job по типу выборки и фильтрам.
// GET /api/v1/jobs?type=ALL&topic=...&limit=...&filter=count>=5&filter=owner=bob
//
// Все filter объединяются в один шаблон (AND).
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	queryType := manager.QueryAll
	if s := q.Get("type"); s != "" {
		parsed, err := manager.ParseQueryType(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		queryType = parsed
	}

	limit := parseInt(q.Get("limit"), defaultJobLimit)
	if limit <= 0 || limit > maxJobLimit {
		limit = maxJobLimit
	}

	var templates []manager.Template
	if filters := q["filter"]; len(filters) > 0 {
		tmpl, err := parseFilters(filters)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		templates = append(templates, tmpl)
	}

	jobs, err := h.jobs.FindJobs(r.Context(), queryType, q.Get("topic"), limit, templates...)
	if HandleError(w, h.logger, err, "") {
		return
	}

	List(w, JobsFromDomain(jobs), len(jobs))
}

// CreateJob создаёт job.
// POST /api/v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Topic == "" {
		BadRequest(w, "topic is required")
		return
	}

	props, err := req.ToProperties()
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	job, err := h.jobs.AddJob(r.Context(), req.Queue, req.Topic, props)
	if HandleError(w, h.logger, err, "queue not found") {
		return
	}

	Created(w, JobFromDomain(job))
}

// GetJob возвращает job по ID.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJobByID(r.Context(), r.PathValue("id"))
	if job == nil {
		NotFound(w, "job not found")
		return
	}

	Success(w, JobFromDomain(job))
}

// AbortJob останавливает и удаляет job.
// DELETE /api/v1/jobs/{id}
func (h *Handler) AbortJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.jobs.GetJobByID(r.Context(), id) == nil {
		NotFound(w, "job not found")
		return
	}

	if !h.jobs.AbortJob(r.Context(), id) {
		Conflict(w, "job is being processed, stop requested")
		return
	}

	NoContent(w)
}

// StopJob поднимает флаг остановки job. Обработка прерывается асинхронно.
// POST /api/v1/jobs/{id}/stop
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job := h.jobs.GetJobByID(r.Context(), id)
	if job == nil {
		NotFound(w, "job not found")
		return
	}
	if job.State.IsTerminal() {
		InvalidState(w, fmt.Sprintf("job is already %s", job.State))
		return
	}

	h.jobs.StopJobByID(r.Context(), id)

	Accepted(w, map[string]string{"id": id, "status": "stop requested"})
}

// RetryJob возвращает job из истории в очередь.
// POST /api/v1/jobs/{id}/retry
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job := h.jobs.RetryJobByID(r.Context(), id)
	if job == nil {
		if h.jobs.GetJobByID(r.Context(), id) == nil {
			NotFound(w, "job not found")
			return
		}
		InvalidState(w, "only failed jobs can be retried")
		return
	}

	Created(w, JobFromDomain(job))
}

// --- Helpers ---

// parseFilters разбирает filter вида name<op>value в шаблон.
// Поддерживаются операторы =, <, <=, >, >=.
func parseFilters(filters []string) (manager.Template, error) {
	tmpl := make(manager.Template, len(filters))
	for _, f := range filters {
		i := strings.IndexAny(f, "<>=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid filter %q", f)
		}
		name, op := f[:i], f[i:i+1]
		rest := f[i+1:]
		if op != "=" && strings.HasPrefix(rest, "=") {
			op += "="
			rest = rest[1:]
		}
		tmpl[op+name] = domain.Text(rest)
	}
	return tmpl, nil
}

// parseInt парсит целое значение query-параметра.
func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
