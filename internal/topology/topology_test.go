package topology

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/queueconf"
)

func infoFor(typ queueconf.QueueType, name string) queueconf.Info {
	cfg := queueconf.Default()
	cfg.Type = typ
	cfg.Name = name
	return queueconf.Info{Config: cfg, QueueName: name}
}

func jobProps(id string) domain.Properties {
	return domain.Properties{domain.PropID: domain.Text(id)}
}

// --- DetectTarget Tests ---

func TestDetectTarget_Deterministic(t *testing.T) {
	instances := []Instance{{ID: "c"}, {ID: "a"}, {ID: "b"}}
	snap1 := NewCapabilities("a", instances, time.Now(), 1)
	snap2 := NewCapabilities("b", []Instance{{ID: "b"}, {ID: "c"}, {ID: "a"}}, time.Now(), 7)

	info := infoFor(queueconf.TypeUnordered, "q")
	for i := 0; i < 50; i++ {
		props := jobProps(fmt.Sprintf("job-%d", i))
		if snap1.DetectTarget("t", props, info) != snap2.DetectTarget("t", props, info) {
			t.Fatalf("job-%d: same membership gave different targets", i)
		}
	}
}

func TestDetectTarget_OrderedSingleOwner(t *testing.T) {
	snap := NewCapabilities("a", []Instance{{ID: "a"}, {ID: "b"}, {ID: "c"}}, time.Now(), 1)
	info := infoFor(queueconf.TypeOrdered, "ordered")

	owner := snap.DetectTarget("t", jobProps("x"), info)
	for i := 0; i < 20; i++ {
		if got := snap.DetectTarget("t", jobProps(fmt.Sprintf("j%d", i)), info); got != owner {
			t.Fatalf("expected single owner %s, got %s", owner, got)
		}
	}
}

func TestDetectTarget_Distributes(t *testing.T) {
	snap := NewCapabilities("a", []Instance{{ID: "a"}, {ID: "b"}, {ID: "c"}}, time.Now(), 1)
	info := infoFor(queueconf.TypeUnordered, "q")

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		counts[snap.DetectTarget("t", jobProps(fmt.Sprintf("j%d", i)), info)]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] < 50 {
			t.Errorf("instance %s got only %d of 300 jobs", id, counts[id])
		}
	}
}

func TestDetectTarget_CapacityWeight(t *testing.T) {
	snap := NewCapabilities("a", []Instance{{ID: "a", Capacity: 1}, {ID: "b", Capacity: 9}}, time.Now(), 1)
	info := infoFor(queueconf.TypeUnordered, "q")

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		counts[snap.DetectTarget("t", jobProps(fmt.Sprintf("j%d", i)), info)]++
	}
	if counts["b"] <= counts["a"]*3 {
		t.Errorf("expected heavier instance to win most jobs, got %v", counts)
	}
}

func TestDetectTarget_TopicCandidates(t *testing.T) {
	snap := NewCapabilities("a", []Instance{
		{ID: "a", Topics: []string{"mail/*"}},
		{ID: "b", Topics: []string{"import/*"}},
	}, time.Now(), 1)
	info := infoFor(queueconf.TypeUnordered, "q")

	if got := snap.DetectTarget("import/x", jobProps("1"), info); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
	if got := snap.DetectTarget("other", jobProps("1"), info); got != "" {
		t.Errorf("expected no target, got %q", got)
	}
}

func TestDetectTarget_RunLocalAndIgnore(t *testing.T) {
	snap := NewCapabilities("b", []Instance{{ID: "a"}, {ID: "b"}, {ID: "c"}}, time.Now(), 1)

	local := infoFor(queueconf.TypeUnordered, "q")
	local.Config.RunLocal = true
	if got := snap.DetectTarget("t", jobProps("1"), local); got != "b" {
		t.Errorf("expected local b, got %q", got)
	}

	if got := snap.DetectTarget("t", jobProps("1"), infoFor(queueconf.TypeIgnore, "q")); got != "" {
		t.Errorf("expected no target for IGNORE, got %q", got)
	}
}

func TestCapabilities_Departed(t *testing.T) {
	prev := NewCapabilities("a", []Instance{{ID: "a"}, {ID: "b"}}, time.Now(), 1)
	next := NewCapabilities("a", []Instance{{ID: "a"}, {ID: "c"}}, time.Now(), 2)

	gone := next.Departed(prev)
	if len(gone) != 1 || gone[0] != "b" {
		t.Errorf("expected [b], got %v", gone)
	}
	if next.Leader() != "a" || !next.IsLeader() {
		t.Errorf("expected a to lead")
	}
}

// --- Tracker Tests ---

func TestTracker_UpdateOnlyOnChange(t *testing.T) {
	tr := NewTracker("a", []Instance{{ID: "a"}})
	sub := tr.Subscribe()

	if tr.Update([]Instance{{ID: "a"}}) {
		t.Error("same membership should not publish")
	}
	if !tr.Update([]Instance{{ID: "a"}, {ID: "b"}}) {
		t.Fatal("new member should publish")
	}

	select {
	case snap := <-sub:
		if !snap.IsLive("b") {
			t.Error("published snapshot misses b")
		}
	default:
		t.Fatal("expected notification")
	}

	// Подписчик получает последний снимок
	tr.Update([]Instance{{ID: "a"}, {ID: "c"}})
	tr.Update([]Instance{{ID: "a"}, {ID: "d"}})
	snap := <-sub
	if !snap.IsLive("d") {
		t.Errorf("expected latest snapshot, got seq %d", snap.Seq())
	}
}

// --- Registry Tests ---

type memorySource struct {
	mu        sync.Mutex
	instances map[string]Instance
}

func (s *memorySource) Heartbeat(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *memorySource) ListLive(_ context.Context, since time.Time) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, inst := range s.instances {
		if !inst.LastSeen.Before(since) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *memorySource) Deregister(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

func TestRegistry_Refresh(t *testing.T) {
	src := &memorySource{instances: map[string]Instance{
		"stale": {ID: "stale", LastSeen: time.Now().Add(-time.Hour)},
		"peer":  {ID: "peer", LastSeen: time.Now()},
	}}
	tr := NewTracker("self", nil)
	reg := NewRegistry(RegistryConfig{Source: src, Tracker: tr, Self: Instance{ID: "self", Capacity: 2}})

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := tr.Current()
	if !snap.IsLive("self") || !snap.IsLive("peer") {
		t.Errorf("expected self and peer, got %v", snap.Instances())
	}
	if snap.IsLive("stale") {
		t.Error("stale instance should be excluded")
	}

	reg.Stop(context.Background())
	if _, ok := src.instances["self"]; ok {
		t.Error("expected self to be deregistered")
	}
}
