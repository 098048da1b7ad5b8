package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/consumer"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/manager"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/scheduler"
	"github.com/shaiso/conveyor/internal/store"
	"github.com/shaiso/conveyor/internal/topology"
)

type testServer struct {
	*httptest.Server
	mem    *store.Memory
	jobs   *manager.Manager
	layout domain.Layout
}

// newTestServer поднимает API поверх Manager на памяти.
// Job в очереди audit (IGNORE) остаются в хранилище без обработки.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := store.NewMemory()
	qc, err := queueconf.NewManager(queueconf.Default(), queueconf.Configuration{
		Name:   "audit",
		Type:   queueconf.TypeIgnore,
		Topics: []string{"audit/*"},
	})
	if err != nil {
		t.Fatalf("queue configs: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := topology.NewTracker("node-a", []topology.Instance{{ID: "node-a", Capacity: 4}})
	env := handler.NewEnv(handler.Config{Store: mem, Configs: qc, Topology: tracker, Logger: logger})

	jobs := manager.New(manager.Config{
		Env:           env,
		Tracker:       tracker,
		Consumers:     consumer.NewRegistry(),
		SweepInterval: time.Hour,
		ShutdownWait:  time.Second,
		Logger:        logger,
	})
	sched := scheduler.New(scheduler.Config{Store: mem, Layout: env.Layout(), Jobs: jobs, Logger: logger})

	mux := http.NewServeMux()
	NewHandler(Config{Jobs: jobs, Scheduler: sched, Logger: logger}).RegisterRoutes(mux)

	ts := &testServer{
		Server: httptest.NewServer(mux),
		mem:    mem,
		jobs:   jobs,
		layout: env.Layout(),
	}
	t.Cleanup(func() {
		ts.Close()
		jobs.Stop(context.Background())
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// decodeData разбирает {"data": ...}.
func decodeData[T any](t *testing.T, body []byte) T {
	t.Helper()
	var envelope struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return envelope.Data
}

func (ts *testServer) createJob(t *testing.T, topic string, props map[string]any) JobResponse {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{Topic: topic, Properties: props})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: status %d, body %s", resp.StatusCode, body)
	}
	return decodeData[JobResponse](t, body)
}

// --- Job Tests ---

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t)

	job := ts.createJob(t, "audit/login", map[string]any{"user": "bob", "count": 5})

	if job.ID == "" || job.Topic != "audit/login" || job.Queue != "audit" {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.State != string(domain.JobStateQueued) {
		t.Errorf("expected QUEUED, got %s", job.State)
	}
	if job.Properties["user"] != "bob" || job.Properties["count"] != float64(5) {
		t.Errorf("unexpected properties: %v", job.Properties)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"missing topic", CreateJobRequest{}, http.StatusBadRequest},
		{"reserved property", CreateJobRequest{Topic: "audit/x", Properties: map[string]any{"job.id": "x"}}, http.StatusBadRequest},
		{"unsupported value", CreateJobRequest{Topic: "audit/x", Properties: map[string]any{"nested": []int{1}}}, http.StatusBadRequest},
		{"unknown queue", CreateJobRequest{Topic: "audit/x", Queue: "missing"}, http.StatusBadRequest},
		{"invalid body", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("expected %d, got %d (%s)", tt.status, resp.StatusCode, body)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createJob(t, "audit/login", nil)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decodeData[JobResponse](t, body); got.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, got.ID)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.createJob(t, "audit/login", map[string]any{"count": 1})
	ts.createJob(t, "audit/login", map[string]any{"count": 7})
	ts.createJob(t, "audit/logout", map[string]any{"count": 9})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by topic", "?topic=audit/login", 2},
		{"queued", "?type=queued", 3},
		{"history empty", "?type=HISTORY", 0},
		{"filter", "?filter=count>=5", 2},
		{"filter and topic", "?topic=audit/login&filter=count>5", 1},
		{"two filters", "?filter=count>1&filter=count<9", 1},
		{"limit", "?limit=2", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodGet, "/api/v1/jobs"+tt.query, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
			}
			var list ListResponse
			if err := json.Unmarshal(body, &list); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if list.Total != tt.want {
				t.Errorf("expected %d jobs, got %d", tt.want, list.Total)
			}
		})
	}

	for _, query := range []string{"?type=bogus", "?filter=>=5", "?filter=count"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/jobs"+query, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestParseFilters(t *testing.T) {
	tmpl, err := parseFilters([]string{"count>=5", "owner=bob", "age<3", "ratio<=0.5", "n>1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := manager.Template{
		">=count": domain.Text("5"),
		"=owner":  domain.Text("bob"),
		"<age":    domain.Text("3"),
		"<=ratio": domain.Text("0.5"),
		">n":      domain.Text("1"),
	}
	for key, v := range want {
		if got, ok := tmpl[key]; !ok || !got.Equal(v) {
			t.Errorf("key %q: expected %v, got %v", key, v, got)
		}
	}
}

func TestAbortJob(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createJob(t, "audit/login", nil)

	resp, _ := ts.do(t, http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected aborted job to be gone, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for second abort, got %d", resp.StatusCode)
	}
}

func TestStopJob(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createJob(t, "audit/login", nil)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/jobs/"+created.ID+"/stop", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/jobs/missing/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRetryJob(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// Неуспешный job в истории
	finished := time.Now().UTC()
	failed := &domain.Job{
		ID:         domain.NewJobID(),
		Topic:      "audit/login",
		Queue:      "audit",
		Properties: domain.Properties{"user": domain.Text("bob")},
		State:      domain.JobStateError,
		CreatedAt:  finished,
		QueuedAt:   finished,
		FinishedAt: &finished,
	}
	if _, err := ts.mem.Put(ctx, ts.layout.HistoryPath(failed.Topic, failed.ID, false), failed.ToProperties()); err != nil {
		t.Fatalf("put: %v", err)
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/jobs/"+failed.ID+"/retry", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.StatusCode, body)
	}
	retried := decodeData[JobResponse](t, body)
	if retried.ID == failed.ID || retried.Properties["user"] != "bob" {
		t.Errorf("unexpected retried job: %+v", retried)
	}

	// Живой job повторить нельзя
	live := ts.createJob(t, "audit/login", nil)
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/jobs/"+live.ID+"/retry", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/jobs/missing/retry", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// --- Queue Tests ---

func TestQueueRoutes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/queues", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}

	for _, action := range []string{"suspend", "resume", "clear"} {
		resp, _ := ts.do(t, http.MethodPost, "/api/v1/queues/missing/"+action, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", action, resp.StatusCode)
		}
	}
}

func TestGetTopology(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/topology", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	topo := decodeData[TopologyResponse](t, body)
	if topo.Local != "node-a" || len(topo.Instances) != 1 || topo.Instances[0].Capacity != 4 {
		t.Errorf("unexpected topology: %+v", topo)
	}
}

// --- Schedule Tests ---

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	req := ScheduleRequest{
		Topic:       "audit/report",
		IntervalSec: 60,
		Properties:  map[string]any{"kind": "daily"},
	}
	resp, body := ts.do(t, http.MethodPut, "/api/v1/schedules/report", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: expected 200, got %d (%s)", resp.StatusCode, body)
	}
	saved := decodeData[ScheduleResponse](t, body)
	if !saved.Enabled || saved.NextDueAt == nil || saved.Timezone != "UTC" {
		t.Errorf("unexpected schedule: %+v", saved)
	}

	resp, body = ts.do(t, http.MethodPut, "/api/v1/schedules/report/enabled", SetEnabledRequest{Enabled: false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if decodeData[ScheduleResponse](t, body).Enabled {
		t.Error("expected schedule to be disabled")
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/schedules?enabled=false", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"name":"report"`) {
		t.Errorf("expected report in disabled list, got %d (%s)", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/schedules/report", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/schedules/report", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestPutSchedule_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  ScheduleRequest
	}{
		{"missing topic", ScheduleRequest{IntervalSec: 10}},
		{"missing timing", ScheduleRequest{Topic: "audit/x"}},
		{"bad cron", ScheduleRequest{Topic: "audit/x", CronExpr: "not a cron"}},
		{"bad timezone", ScheduleRequest{Topic: "audit/x", CronExpr: "0 9 * * *", Timezone: "Mars/Base"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPut, "/api/v1/schedules/bad", tt.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d (%s)", resp.StatusCode, body)
			}
		})
	}
}

// --- Middleware Tests ---

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
