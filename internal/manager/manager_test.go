package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/consumer"
	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/handler"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/pool"
	"github.com/shaiso/conveyor/internal/queueconf"
	"github.com/shaiso/conveyor/internal/store"
	"github.com/shaiso/conveyor/internal/topology"
)

type fakeNotifier struct {
	mu      sync.Mutex
	added   []string
	signals []mq.ControlPayload
}

func (n *fakeNotifier) NotifyJobAdded(_ context.Context, instance string, job *domain.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, instance+":"+job.ID)
	return nil
}

func (n *fakeNotifier) BroadcastControl(_ context.Context, signal mq.ControlPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, signal)
	return nil
}

func (n *fakeNotifier) signalCount(action string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.signals {
		if s.Action == action {
			count++
		}
	}
	return count
}

type testManager struct {
	*Manager
	mem      *store.Memory
	configs  *queueconf.Manager
	tracker  *topology.Tracker
	registry *consumer.Registry
	notifier *fakeNotifier
	layout   domain.Layout
}

var mailQueue = queueconf.Configuration{
	Name:        "mail",
	Type:        queueconf.TypeUnordered,
	Topics:      []string{"mail/*"},
	MaxParallel: 2,
	MaxRetries:  3,
	RetryDelay:  10 * time.Millisecond,
	KeepJobs:    true,
}

func newTestManager(t *testing.T, configs []queueconf.Configuration, instances ...topology.Instance) *testManager {
	t.Helper()
	return newTestManagerOver(t, nil, configs, instances...)
}

// newTestManagerOver создаёт manager поверх in-memory хранилища,
// обёрнутого wrap (например, Faulty).
func newTestManagerOver(t *testing.T, wrap func(store.Store) store.Store, configs []queueconf.Configuration, instances ...topology.Instance) *testManager {
	t.Helper()

	if len(instances) == 0 {
		instances = []topology.Instance{{ID: "node-a"}}
	}

	mem := store.NewMemory()
	var jobStore store.Store = mem
	if wrap != nil {
		jobStore = wrap(mem)
	}
	qc, err := queueconf.NewManager(queueconf.Default(), configs...)
	if err != nil {
		t.Fatalf("queue configs: %v", err)
	}
	tracker := topology.NewTracker("node-a", instances)
	env := handler.NewEnv(handler.Config{Store: jobStore, Configs: qc, Topology: tracker})

	tm := &testManager{
		mem:      mem,
		configs:  qc,
		tracker:  tracker,
		registry: consumer.NewRegistry(),
		notifier: &fakeNotifier{},
		layout:   env.Layout(),
	}
	tm.Manager = New(Config{
		Env:           env,
		Tracker:       tracker,
		Consumers:     tm.registry,
		Pools:         pool.NewProvider(pool.Config{Max: 16}),
		Notifier:      tm.notifier,
		SweepInterval: time.Hour,
		ShutdownWait:  2 * time.Second,
	})

	t.Cleanup(func() {
		tm.Stop(context.Background())
	})
	return tm
}

// putJob записывает job напрямую в хранилище.
func (tm *testManager) putJob(t *testing.T, path string, job *domain.Job) {
	t.Helper()
	if _, err := tm.mem.Put(context.Background(), path, job.ToProperties()); err != nil {
		t.Fatalf("put %s: %v", path, err)
	}
}

func (tm *testManager) get(t *testing.T, path string) *domain.Job {
	t.Helper()
	rec, err := tm.mem.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	job, err := domain.JobFromProperties(rec.Path, rec.Version, rec.Fields)
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return job
}

func newJob(topic string, mutate func(*domain.Job)) *domain.Job {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:         domain.NewJobID(),
		Topic:      topic,
		Properties: domain.Properties{},
		State:      domain.JobStateQueued,
		MaxRetries: 3,
		CreatedAt:  now,
		QueuedAt:   now,
	}
	if mutate != nil {
		mutate(job)
	}
	return job
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func succeed(context.Context, domain.Job, *consumer.Token, consumer.UpdateListener) consumer.Result {
	return consumer.Succeeded()
}

// --- Builder Tests ---

func TestJobBuilder_Add(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	job, err := tm.NewJobBuilder("", "mail/welcome").
		Property("to", domain.Text("a@example.com")).
		Property("attempt", domain.Int(1)).
		Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if job.State != domain.JobStateQueued || job.Queue != "mail" || job.TargetInstance != "node-a" {
		t.Errorf("unexpected job %+v", job)
	}
	if job.MaxRetries != 3 || job.CreatedInstance != "node-a" {
		t.Errorf("unexpected retry budget or creator: %+v", job)
	}

	want := tm.layout.JobPath("mail/welcome", "node-a", job.ID)
	if job.Path != want {
		t.Errorf("expected path %s, got %s", want, job.Path)
	}
	stored := tm.get(t, want)
	if stored.Properties.Text("to") != "a@example.com" {
		t.Errorf("property not persisted: %+v", stored.Properties)
	}

	// Локальный job сразу попадает в очередь
	q := tm.Queue("mail")
	if q == nil || !q.Contains(job.ID) {
		t.Error("local job not enqueued")
	}
}

func TestJobBuilder_Errors(t *testing.T) {
	drop := queueconf.Configuration{Name: "trash", Type: queueconf.TypeDrop, Topics: []string{"trash/*"}}
	tm := newTestManager(t, []queueconf.Configuration{mailQueue, drop})
	ctx := context.Background()

	tests := []struct {
		name    string
		builder *JobBuilder
		wantErr error
	}{
		{"reserved property", tm.NewJobBuilder("", "mail/x").Property("job.id", domain.Text("x")), domain.ErrReservedProperty},
		{"empty topic", tm.NewJobBuilder("", ""), ErrEmptyTopic},
		{"unknown queue", tm.NewJobBuilder("nope", "mail/x"), queueconf.ErrUnknownQueue},
		{"drop queue", tm.NewJobBuilder("", "trash/old"), ErrJobDropped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := tt.builder.Add(ctx)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if job != nil {
				t.Error("expected no job")
			}
		})
	}

	if n := tm.mem.Len(); n != 0 {
		t.Errorf("expected nothing persisted, got %d records", n)
	}
}

func TestJobBuilder_NotifiesRemoteOwner(t *testing.T) {
	tm := newTestManager(t, nil,
		topology.Instance{ID: "node-a", Topics: []string{"local/*"}},
		topology.Instance{ID: "node-b", Topics: []string{"remote/*"}},
	)

	job, err := tm.NewJobBuilder("", "remote/report").Add(context.Background())
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if job.TargetInstance != "node-b" {
		t.Fatalf("expected node-b, got %q", job.TargetInstance)
	}
	if len(tm.notifier.added) != 1 || tm.notifier.added[0] != "node-b:"+job.ID {
		t.Errorf("unexpected notifications %v", tm.notifier.added)
	}
	if len(tm.Queues()) != 0 {
		t.Errorf("remote job must not be queued locally, queues %v", tm.Queues())
	}
}

func TestJobBuilder_IgnoreStaysUnassigned(t *testing.T) {
	ignore := queueconf.Configuration{Name: "audit", Type: queueconf.TypeIgnore, Topics: []string{"audit/*"}}
	tm := newTestManager(t, []queueconf.Configuration{ignore})

	job, err := tm.NewJobBuilder("", "audit/login").Add(context.Background())
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.TargetInstance != "" || job.Path != tm.layout.JobPath("audit/login", "", job.ID) {
		t.Errorf("expected unassigned job, got %+v", job)
	}
}

// --- Processing Tests ---

func TestManager_ProcessesJobs(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	tm.registry.Register("mail/*", consumer.Func(succeed))

	ctx := context.Background()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := tm.NewJobBuilder("", "mail/digest").Add(ctx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		jobs, _ := tm.FindJobs(ctx, QuerySucceeded, "mail/digest", -1)
		return len(jobs) == 5
	})

	if live, _ := tm.FindJobs(ctx, QueryQueued, "", -1); len(live) != 0 {
		t.Errorf("expected no queued jobs, got %d", len(live))
	}

	stats := tm.Statistics()
	if len(stats) != 1 || stats[0].Name != "mail" || stats[0].Succeeded != 5 {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

func TestManager_StartCreatesConfiguredQueues(t *testing.T) {
	high := queueconf.Configuration{Name: "urgent", Topics: []string{"urgent/*"}, Priority: queueconf.PriorityMax}
	perTopic := queueconf.Configuration{Name: "tenant-{0}", Topics: []string{"tenant/*"}}
	ignore := queueconf.Configuration{Name: "audit", Type: queueconf.TypeIgnore, Topics: []string{"audit/*"}}
	tm := newTestManager(t, []queueconf.Configuration{mailQueue, high, perTopic, ignore})

	if err := tm.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	got := tm.Queues()
	want := []string{"mail", "urgent"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected queues %v, got %v", want, got)
	}
}

// --- Query Tests ---

func TestGetJobByID(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	if job := tm.GetJobByID(ctx, "missing"); job != nil {
		t.Errorf("expected nil, got %+v", job)
	}

	added, err := tm.NewJobBuilder("", "mail/x").Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job := tm.GetJobByID(ctx, added.ID); job == nil || job.ID != added.ID {
		t.Errorf("expected job %s, got %+v", added.ID, job)
	}

	finished := time.Now().UTC()
	old := newJob("mail/x", func(j *domain.Job) {
		j.State = domain.JobStateError
		j.FinishedAt = &finished
	})
	tm.putJob(t, tm.layout.HistoryPath(old.Topic, old.ID, false), old)
	if job := tm.GetJobByID(ctx, old.ID); job == nil || job.State != domain.JobStateError {
		t.Errorf("expected history job, got %+v", job)
	}
}

func TestFindJobs(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	var queued []string
	for i := 1; i <= 3; i++ {
		job, err := tm.NewJobBuilder("", "mail/x").Property("count", domain.Int(i)).Add(ctx)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		queued = append(queued, job.ID)
		time.Sleep(time.Millisecond)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	history := map[domain.JobState]string{}
	for i, state := range []domain.JobState{domain.JobStateSucceeded, domain.JobStateError, domain.JobStateGivenUp} {
		finished := base.Add(time.Duration(i) * time.Minute)
		job := newJob("mail/x", func(j *domain.Job) {
			j.State = state
			j.FinishedAt = &finished
			j.Properties["count"] = domain.Int(10 + i)
		})
		tm.putJob(t, tm.layout.HistoryPath(job.Topic, job.ID, state == domain.JobStateSucceeded), job)
		history[state] = job.ID
	}
	other := newJob("other/y", nil)
	tm.putJob(t, tm.layout.JobPath(other.Topic, "node-a", other.ID), other)

	tests := []struct {
		name      string
		query     QueryType
		topic     string
		limit     int
		templates []Template
		want      []string
	}{
		{"queued oldest first", QueryQueued, "mail/x", -1, nil, queued},
		{"history newest first", QueryHistory, "", -1, nil, []string{
			history[domain.JobStateGivenUp], history[domain.JobStateError], history[domain.JobStateSucceeded],
		}},
		{"cancelled", QueryCancelled, "", 0, nil, []string{history[domain.JobStateGivenUp], history[domain.JobStateError]}},
		{"succeeded", QuerySucceeded, "", 0, nil, []string{history[domain.JobStateSucceeded]}},
		{"error only", QueryError, "", 0, nil, []string{history[domain.JobStateError]}},
		{"stopped none", QueryStopped, "", 0, nil, nil},
		{"all with limit", QueryAll, "mail/x", 4, nil, append(append([]string{}, queued...), history[domain.JobStateGivenUp])},
		{"operator template", QueryAll, "mail/x", 0, []Template{{">=count": domain.Text("2"), "<count": domain.Int(11)}}, []string{
			queued[1], queued[2], history[domain.JobStateSucceeded],
		}},
		{"templates are ORed", QueryAll, "", 0, []Template{{"count": domain.Int(1)}, {"=count": domain.Int(12)}}, []string{
			queued[0], history[domain.JobStateGivenUp],
		}},
		{"topic filter", QueryAll, "other/y", 0, nil, []string{other.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := tm.FindJobs(ctx, tt.query, tt.topic, tt.limit, tt.templates...)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(jobs) != len(tt.want) {
				t.Fatalf("expected %d jobs, got %d", len(tt.want), len(jobs))
			}
			for i, job := range jobs {
				if job.ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], job.ID)
				}
			}
		})
	}

	if _, err := tm.FindJobs(ctx, QueryType("BOGUS"), "", 0); !errors.Is(err, ErrUnknownQueryType) {
		t.Errorf("expected ErrUnknownQueryType, got %v", err)
	}
	if job := tm.GetJob(ctx, "mail/x", Template{"count": domain.Int(3)}); job == nil || job.ID != queued[2] {
		t.Errorf("GetJob returned %+v", job)
	}
}

// --- Control Tests ---

func TestAbortJob(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue},
		topology.Instance{ID: "node-a"},
		topology.Instance{ID: "node-b"},
	)
	ctx := context.Background()

	t.Run("nonexistent job", func(t *testing.T) {
		if !tm.AbortJob(ctx, "missing") {
			t.Error("abort of a missing job must report success")
		}
	})

	t.Run("queued job", func(t *testing.T) {
		job := newJob("mail/x", func(j *domain.Job) { j.TargetInstance = "node-b" })
		path := tm.layout.JobPath(job.Topic, "node-b", job.ID)
		tm.putJob(t, path, job)

		if !tm.AbortJob(ctx, job.ID) {
			t.Error("expected queued job to be aborted")
		}
		if ok, _ := tm.mem.Exists(ctx, path); ok {
			t.Error("queued job record still exists")
		}
	})

	t.Run("active job", func(t *testing.T) {
		started := time.Now().UTC()
		job := newJob("mail/x", func(j *domain.Job) {
			j.TargetInstance = "node-b"
			j.StartedAt = &started
			j.StartedInstance = "node-b"
		})
		tm.putJob(t, tm.layout.JobPath(job.Topic, "node-b", job.ID), job)

		if tm.AbortJob(ctx, job.ID) {
			t.Error("active job must not report aborted")
		}
	})

	if n := tm.notifier.signalCount(mq.ControlAbort); n != 3 {
		t.Errorf("expected 3 abort signals, got %d", n)
	}
}

func TestStopJobByID_RunningJob(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})

	started := make(chan string, 1)
	tm.registry.Register("mail/*", consumer.Func(func(_ context.Context, job domain.Job, token *consumer.Token, _ consumer.UpdateListener) consumer.Result {
		started <- job.ID
		<-token.Done()
		return consumer.Cancelled("stopped")
	}))

	ctx := context.Background()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := tm.NewJobBuilder("", "mail/slow").Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	<-started
	tm.Control(job.ID).Stop(ctx)

	waitFor(t, 5*time.Second, func() bool {
		jobs, _ := tm.FindJobs(ctx, QueryStopped, "", -1)
		return len(jobs) == 1
	})
	if n := tm.notifier.signalCount(mq.ControlStop); n != 1 {
		t.Errorf("expected stop broadcast, got %d", n)
	}
}

func TestHandleControl_RemoteAbort(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	job, err := tm.NewJobBuilder("", "mail/x").Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Собственный сигнал игнорируется
	tm.HandleControl(ctx, mq.ControlPayload{Action: mq.ControlAbort, JobID: job.ID, Origin: "node-a"})
	if !tm.Queue("mail").Contains(job.ID) {
		t.Fatal("own signal must be ignored")
	}

	tm.HandleControl(ctx, mq.ControlPayload{Action: mq.ControlAbort, JobID: job.ID, Origin: "node-b"})
	if tm.Queue("mail").Contains(job.ID) {
		t.Error("aborted job still queued")
	}
	if ok, _ := tm.mem.Exists(ctx, job.Path); ok {
		t.Error("aborted job record still exists")
	}
}

func TestRetryJobByID(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	finished := time.Now().UTC()
	failed := newJob("mail/x", func(j *domain.Job) {
		j.Queue = "mail"
		j.State = domain.JobStateGivenUp
		j.RetryCount = 3
		j.FinishedAt = &finished
		j.Properties["to"] = domain.Text("b@example.com")
	})
	failedPath := tm.layout.HistoryPath(failed.Topic, failed.ID, false)
	tm.putJob(t, failedPath, failed)

	succeeded := newJob("mail/x", func(j *domain.Job) {
		j.State = domain.JobStateSucceeded
		j.FinishedAt = &finished
	})
	tm.putJob(t, tm.layout.HistoryPath(succeeded.Topic, succeeded.ID, true), succeeded)

	retried := tm.RetryJobByID(ctx, failed.ID)
	if retried == nil {
		t.Fatal("expected a new job")
	}
	if retried.ID == failed.ID || retried.RetryCount != 0 || retried.State != domain.JobStateQueued {
		t.Errorf("unexpected retried job %+v", retried)
	}
	if retried.Properties.Text("to") != "b@example.com" || retried.Queue != "mail" {
		t.Errorf("properties not copied: %+v", retried)
	}
	if ok, _ := tm.mem.Exists(ctx, failedPath); ok {
		t.Error("history entry not removed")
	}

	for name, id := range map[string]string{
		"succeeded history": succeeded.ID,
		"live job":          retried.ID,
		"missing":           "missing",
		"already retried":   failed.ID,
	} {
		if job := tm.RetryJobByID(ctx, id); job != nil {
			t.Errorf("%s: expected nil, got %+v", name, job)
		}
	}
}

// --- Queue operation Tests ---

func TestQueueOperations(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	if err := tm.SuspendQueue("mail"); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := tm.NewJobBuilder("", "mail/x").Add(ctx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if err := tm.SuspendQueue("mail"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !tm.Queue("mail").IsSuspended() {
		t.Error("queue not suspended")
	}
	if err := tm.ResumeQueue("mail"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	n, err := tm.ClearQueue(ctx, "mail")
	if err != nil || n != 2 {
		t.Errorf("expected 2 cleared, got %d (%v)", n, err)
	}
	if tm.mem.Len() != 0 {
		t.Errorf("expected empty store, got %d", tm.mem.Len())
	}
	if _, err := tm.ClearQueue(ctx, "unknown"); !errors.Is(err, ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestHandleJobAdded(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	job := newJob("mail/x", func(j *domain.Job) { j.TargetInstance = "node-a" })
	path := tm.layout.JobPath(job.Topic, "node-a", job.ID)
	tm.putJob(t, path, job)

	tm.HandleJobAdded(ctx, path)
	if q := tm.Queue("mail"); q == nil || !q.Contains(job.ID) {
		t.Error("announced job not enqueued")
	}

	// Пропавшая запись не приводит к ошибке
	tm.HandleJobAdded(ctx, tm.layout.JobPath("mail/x", "node-a", "gone"))
}

// --- Maintenance Tests ---

func TestSweep_RecoversAbandonedLocalJob(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	job := newJob("mail/x", func(j *domain.Job) {
		j.TargetInstance = "node-a"
		j.StartedAt = &started
		j.StartedInstance = "node-a"
	})
	path := tm.layout.JobPath(job.Topic, "node-a", job.ID)
	tm.putJob(t, path, job)

	tm.Sweep(ctx)

	got := tm.get(t, path)
	if got.State != domain.JobStateQueued || got.RetryCount != 1 || got.StartedAt != nil {
		t.Errorf("expected rescheduled job, got %+v", got)
	}
	if q := tm.Queue("mail"); q == nil || !q.Contains(job.ID) {
		t.Error("recovered job not enqueued")
	}
}

func TestSweep_CompletesHalfFinishedJob(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	var calls atomic.Int32
	tm.registry.Register("mail/*", consumer.Func(func(context.Context, domain.Job, *consumer.Token, consumer.UpdateListener) consumer.Result {
		calls.Add(1)
		return consumer.Succeeded()
	}))

	// История записана, живая запись осталась ACTIVE
	started := time.Now().UTC().Add(-time.Minute)
	job := newJob("mail/x", func(j *domain.Job) {
		j.TargetInstance = "node-a"
		j.StartedAt = &started
		j.StartedInstance = "node-a"
		j.Queue = "mail"
	})
	path := tm.layout.JobPath(job.Topic, "node-a", job.ID)
	tm.putJob(t, path, job)

	finished := job.Clone()
	finished.State = domain.JobStateSucceeded
	finishedAt := started.Add(time.Second)
	finished.FinishedAt = &finishedAt
	tm.putJob(t, tm.layout.HistoryPath(job.Topic, job.ID, true), finished)

	tm.Sweep(ctx)

	if ok, _ := tm.mem.Exists(ctx, path); ok {
		t.Error("live record should be removed")
	}
	if ok, _ := tm.mem.Exists(ctx, tm.layout.HistoryPath(job.Topic, job.ID, false)); ok {
		t.Error("job must not get a failure history record")
	}
	if got := tm.get(t, tm.layout.HistoryPath(job.Topic, job.ID, true)); got.State != domain.JobStateSucceeded || got.RetryCount != 0 {
		t.Errorf("unexpected history record %+v", got)
	}
	if q := tm.Queue("mail"); q != nil && q.Contains(job.ID) {
		t.Error("finished job must not be enqueued again")
	}
	if calls.Load() != 0 {
		t.Errorf("consumer called %d times for a finished job", calls.Load())
	}
}

func TestFailedDelete_JobRunsOnce(t *testing.T) {
	var faulty *store.Faulty
	tm := newTestManagerOver(t, func(s store.Store) store.Store {
		faulty = store.NewFaulty(s)
		return faulty
	}, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	var calls atomic.Int32
	tm.registry.Register("mail/*", consumer.Func(func(context.Context, domain.Job, *consumer.Token, consumer.UpdateListener) consumer.Result {
		if calls.Add(1) == 1 {
			return consumer.Succeeded()
		}
		return consumer.Cancelled("second run")
	}))
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	faulty.FailNext(store.OpDelete, store.ErrUnavailable)
	job, err := tm.NewJobBuilder("", "mail/x").Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	succeeded := tm.layout.HistoryPath(job.Topic, job.ID, true)
	waitFor(t, 5*time.Second, func() bool {
		ok, _ := tm.mem.Exists(ctx, succeeded)
		return ok
	})
	waitFor(t, 5*time.Second, func() bool {
		return !tm.Queue("mail").Contains(job.ID)
	})

	tm.Sweep(ctx)
	time.Sleep(50 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("expected one consumer call, got %d", calls.Load())
	}
	if ok, _ := tm.mem.Exists(ctx, tm.layout.HistoryPath(job.Topic, job.ID, false)); ok {
		t.Error("job observed in two terminal states")
	}
	if live, _ := tm.FindJobs(ctx, QueryActive, "mail/x", -1); len(live) != 0 {
		t.Errorf("live record should be removed, got %d", len(live))
	}
}

func TestSweep_ReassignsDepartedOwner(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	ctx := context.Background()

	started := time.Now().UTC()
	departed := newJob("mail/x", func(j *domain.Job) {
		j.TargetInstance = "node-gone"
		j.RetryCount = 2
		j.StartedAt = &started
		j.StartedInstance = "node-gone"
	})
	tm.putJob(t, tm.layout.JobPath(departed.Topic, "node-gone", departed.ID), departed)

	unassigned := newJob("mail/y", nil)
	tm.putJob(t, tm.layout.JobPath(unassigned.Topic, "", unassigned.ID), unassigned)

	tm.Sweep(ctx)

	moved := tm.get(t, tm.layout.JobPath(departed.Topic, "node-a", departed.ID))
	if moved.RetryCount != 2 || moved.State != domain.JobStateQueued || moved.TargetInstance != "node-a" {
		t.Errorf("unexpected reassigned job %+v", moved)
	}
	assigned := tm.get(t, tm.layout.JobPath(unassigned.Topic, "node-a", unassigned.ID))
	if assigned.TargetInstance != "node-a" {
		t.Errorf("unassigned job not assigned: %+v", assigned)
	}

	q := tm.Queue("mail")
	if q == nil || !q.Contains(departed.ID) || !q.Contains(unassigned.ID) {
		t.Error("reassigned jobs not enqueued locally")
	}
}

func TestSweep_LeaseExpired(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue},
		topology.Instance{ID: "node-a"},
		topology.Instance{ID: "node-b"},
	)

	started := time.Now().UTC().Add(-time.Hour)
	lease := started.Add(time.Minute)
	job := newJob("mail/x", func(j *domain.Job) {
		j.TargetInstance = "node-b"
		j.StartedAt = &started
		j.StartedInstance = "node-b"
		j.LeaseUntil = &lease
	})
	path := tm.layout.JobPath(job.Topic, "node-b", job.ID)
	tm.putJob(t, path, job)

	held := newJob("mail/x", func(j *domain.Job) {
		j.TargetInstance = "node-b"
		j.StartedAt = &started
		j.StartedInstance = "node-b"
	})
	heldPath := tm.layout.JobPath(held.Topic, "node-b", held.ID)
	tm.putJob(t, heldPath, held)

	tm.Sweep(context.Background())

	if got := tm.get(t, path); got.State != domain.JobStateQueued || got.RetryCount != 1 {
		t.Errorf("expected expired lease to be rescheduled, got %+v", got)
	}
	if got := tm.get(t, heldPath); got.State != domain.JobStateActive {
		t.Errorf("job without lease must stay with its live owner, got %+v", got)
	}
}

func TestTopologyChange_ReassignsJobs(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue},
		topology.Instance{ID: "node-a", Topics: []string{"mail/local/*"}},
		topology.Instance{ID: "node-b", Topics: []string{"mail/*"}},
	)
	tm.registry.Register("mail/*", consumer.Func(succeed))

	ctx := context.Background()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	job, err := tm.NewJobBuilder("", "mail/remote").Add(ctx)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.TargetInstance != "node-b" {
		t.Fatalf("expected node-b, got %q", job.TargetInstance)
	}

	// node-b уходит, node-a берёт все topics
	tm.tracker.Update([]topology.Instance{{ID: "node-a"}})

	waitFor(t, 5*time.Second, func() bool {
		done, _ := tm.FindJobs(ctx, QuerySucceeded, "mail/remote", -1)
		return len(done) == 1 && done[0].ID == job.ID
	})
}

func TestReconfigure_RestartsQueue(t *testing.T) {
	tm := newTestManager(t, []queueconf.Configuration{mailQueue})
	tm.registry.Register("mail/*", consumer.Func(succeed))

	ctx := context.Background()
	if err := tm.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	updated := mailQueue
	updated.MaxParallel = 7
	if err := tm.configs.Update([]queueconf.Configuration{updated}); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return tm.Queue("mail") == nil })

	if _, err := tm.NewJobBuilder("", "mail/x").Add(ctx); err != nil {
		t.Fatalf("add: %v", err)
	}
	q := tm.Queue("mail")
	if q == nil || q.Configuration().MaxParallel != 7 {
		t.Fatal("queue not recreated with the new configuration")
	}
	waitFor(t, 5*time.Second, func() bool { return q.Statistics().Succeeded == 1 })
}
