package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// JobResponse — job из API.
type JobResponse struct {
	ID              string         `json:"id"`
	Topic           string         `json:"topic"`
	Queue           string         `json:"queue,omitempty"`
	State           string         `json:"state"`
	Properties      map[string]any `json:"properties,omitempty"`
	Progress        map[string]any `json:"progress,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	CreatedAt       string         `json:"created_at"`
	CreatedInstance string         `json:"created_instance,omitempty"`
	QueuedAt        string         `json:"queued_at"`
	StartedAt       string         `json:"started_at,omitempty"`
	StartedInstance string         `json:"started_instance,omitempty"`
	FinishedAt      string         `json:"finished_at,omitempty"`
	TargetInstance  string         `json:"target_instance,omitempty"`
	ResultMessage   string         `json:"result_message,omitempty"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
}

// QueueStats — статистика очереди из API.
type QueueStats struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	MaxParallel int    `json:"max_parallel"`
	Suspended   bool   `json:"suspended"`
	Queued      int    `json:"queued"`
	Active      int    `json:"active"`
	Processed   int64  `json:"processed"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
	Cancelled   int64  `json:"cancelled"`
	Requeued    int64  `json:"requeued"`
}

// ClearQueueResponse — результат очистки очереди.
type ClearQueueResponse struct {
	Queue   string `json:"queue"`
	Removed int    `json:"removed"`
}

// InstanceResponse — экземпляр кластера.
type InstanceResponse struct {
	ID       string   `json:"id"`
	Capacity int      `json:"capacity"`
	Topics   []string `json:"topics,omitempty"`
	LastSeen string   `json:"last_seen"`
}

// TopologyResponse — снимок кластера из API.
type TopologyResponse struct {
	Local     string             `json:"local"`
	Leader    string             `json:"leader,omitempty"`
	Seq       uint64             `json:"seq"`
	TakenAt   string             `json:"taken_at"`
	Instances []InstanceResponse `json:"instances"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	Name        string         `json:"name"`
	Topic       string         `json:"topic"`
	Queue       string         `json:"queue,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone"`
	Enabled     bool           `json:"enabled"`
	Properties  map[string]any `json:"properties,omitempty"`
	NextDueAt   string         `json:"next_due_at,omitempty"`
	LastRunAt   string         `json:"last_run_at,omitempty"`
	LastJobID   string         `json:"last_job_id,omitempty"`
}

// --- Request types ---

// CreateJobRequest — создание job.
type CreateJobRequest struct {
	Topic      string         `json:"topic"`
	Queue      string         `json:"queue,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// ScheduleRequest — создание или замена schedule.
type ScheduleRequest struct {
	Topic       string         `json:"topic"`
	Queue       string         `json:"queue,omitempty"`
	CronExpr    string         `json:"cron_expr,omitempty"`
	IntervalSec int            `json:"interval_sec,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// ListJobsOpts — параметры выборки job.
type ListJobsOpts struct {
	Type  string
	Topic string
	Limit int

	// Filters — условия вида name<op>value, например count>=5.
	Filters []string
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Jobs ---

// ListJobs возвращает job по типу выборки и фильтрам.
func (c *Client) ListJobs(opts ListJobsOpts) ([]JobResponse, error) {
	params := url.Values{}
	if opts.Type != "" {
		params.Set("type", opts.Type)
	}
	if opts.Topic != "" {
		params.Set("topic", opts.Topic)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	for _, f := range opts.Filters {
		params.Add("filter", f)
	}

	var jobs []JobResponse
	err := c.list("/api/v1/jobs", params, &jobs)
	return jobs, err
}

// AddJob создаёт job.
func (c *Client) AddJob(req CreateJobRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs", req, &job)
	return &job, err
}

// GetJob возвращает job по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+url.PathEscape(id), &job)
	return &job, err
}

// StopJob запрашивает остановку job.
func (c *Client) StopJob(id string) error {
	return c.post("/api/v1/jobs/"+url.PathEscape(id)+"/stop", nil, nil)
}

// AbortJob останавливает и удаляет job.
func (c *Client) AbortJob(id string) error {
	return c.delete("/api/v1/jobs/" + url.PathEscape(id))
}

// RetryJob перезапускает неуспешный job. Возвращает новый job.
func (c *Client) RetryJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+url.PathEscape(id)+"/retry", nil, &job)
	return &job, err
}

// --- Queues ---

// ListQueues возвращает статистику очередей экземпляра.
func (c *Client) ListQueues() ([]QueueStats, error) {
	var queues []QueueStats
	err := c.list("/api/v1/queues", nil, &queues)
	return queues, err
}

// SuspendQueue приостанавливает очередь.
func (c *Client) SuspendQueue(name string) error {
	return c.post("/api/v1/queues/"+url.PathEscape(name)+"/suspend", nil, nil)
}

// ResumeQueue возобновляет очередь.
func (c *Client) ResumeQueue(name string) error {
	return c.post("/api/v1/queues/"+url.PathEscape(name)+"/resume", nil, nil)
}

// ClearQueue удаляет ожидающие job очереди.
func (c *Client) ClearQueue(name string) (*ClearQueueResponse, error) {
	var result ClearQueueResponse
	err := c.post("/api/v1/queues/"+url.PathEscape(name)+"/clear", nil, &result)
	return &result, err
}

// Topology возвращает снимок кластера.
func (c *Client) Topology() (*TopologyResponse, error) {
	var topo TopologyResponse
	err := c.get("/api/v1/topology", &topo)
	return &topo, err
}

// --- Schedules ---

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules() ([]ScheduleResponse, error) {
	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", nil, &schedules)
	return schedules, err
}

// GetSchedule возвращает schedule по имени.
func (c *Client) GetSchedule(name string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+url.PathEscape(name), &schedule)
	return &schedule, err
}

// PutSchedule создаёт или заменяет schedule.
func (c *Client) PutSchedule(name string, req ScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.put("/api/v1/schedules/"+url.PathEscape(name), req, &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(name string) error {
	return c.delete("/api/v1/schedules/" + url.PathEscape(name))
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(name string, enabled bool) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put("/api/v1/schedules/"+url.PathEscape(name)+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// APIError — ошибка, возвращённая сервером.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
	}
	return apiErr
}
