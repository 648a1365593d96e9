package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(4, 16)
	p.Start()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Do(context.Background(), func() { n.Add(1) }); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()
	p.Stop()

	if n.Load() != 10 {
		t.Errorf("ran %d tasks", n.Load())
	}
	stats := p.Stats()
	if stats.Running || stats.TasksDone != 10 || stats.TasksTotal != 10 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestWorkerPoolQueueFull(t *testing.T) {
	p := NewWorkerPool(1, 1)
	p.Start()
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func() { close(started); <-release }); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("queue slot should be free: %v", err)
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestWorkerPoolDoHonoursContext(t *testing.T) {
	p := NewWorkerPool(1, 1)
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	finished := make(chan struct{})
	err := p.Do(ctx, func() {
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	// The task still completes.
	<-finished
}

func TestWorkerPoolStopped(t *testing.T) {
	p := NewWorkerPool(1, 1)
	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("before start: %v", err)
	}
	p.Start()
	p.Stop()
	p.Start()
	if err := p.Submit(func() {}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("after stop: %v", err)
	}
}
