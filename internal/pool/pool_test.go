package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Pool Tests ---

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Name: "test", Max: 4})

	var (
		count atomic.Int32
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		if err := p.Submit(func(context.Context) {
			count.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	wg.Wait()

	if count.Load() != 4 {
		t.Errorf("expected 4 tasks, got %d", count.Load())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestPool_Full(t *testing.T) {
	p := New(Config{Name: "test", Max: 1, QueueDepth: 1})
	release := make(chan struct{})
	block := func(context.Context) { <-release }

	if err := p.Submit(block); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(block); err != nil {
		t.Fatalf("queued submit: %v", err)
	}

	err := p.Submit(block)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
	if s := p.Stats(); s.Rejected != 1 || s.Pending != 1 {
		t.Errorf("unexpected stats %+v", s)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestPool_Closed(t *testing.T) {
	p := New(Config{Name: "test"})
	p.Shutdown(context.Background())

	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := New(Config{Name: "test", Max: 1, QueueDepth: 5})

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if done.Load() != 5 {
		t.Errorf("expected 5 completed tasks, got %d", done.Load())
	}
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p := New(Config{Name: "test", Max: 1, ShutdownWait: 20 * time.Millisecond})

	cancelled := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})

	err := p.Shutdown(context.Background())
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expected ErrShutdownTimeout, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New(Config{Name: "test", Min: 1, Max: 1})
	defer p.Shutdown(context.Background())

	submitEventually(t, p, func(context.Context) { panic("boom") })

	ran := make(chan struct{})
	submitEventually(t, p, func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
}

// submitEventually повторяет Submit, пока единственная горутина занята.
func submitEventually(t *testing.T, p *Pool, task Task) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		err := p.Submit(task)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrPoolFull) || time.Now().After(deadline) {
			t.Fatalf("submit: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

// --- Provider Tests ---

func TestProvider_Get(t *testing.T) {
	prov := NewProvider(Config{Max: 2}, Config{Name: "io", Max: 8})

	io := prov.Get("io")
	if io != prov.Get("io") {
		t.Error("expected the same pool instance")
	}
	if io.Stats().Max != 8 {
		t.Errorf("expected named config, got max %d", io.Stats().Max)
	}

	def := prov.Get("")
	if def.Name() != DefaultName || def.Stats().Max != 2 {
		t.Errorf("unexpected default pool %+v", def.Stats())
	}

	if stats := prov.Stats(); len(stats) != 2 || stats[0].Name != DefaultName {
		t.Errorf("unexpected stats %+v", stats)
	}

	if err := prov.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if err := prov.Get("late").Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}
