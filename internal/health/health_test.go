package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Fatalf("empty registry: healthy=%v statuses=%d", healthy, len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register(Ping("database", time.Second, func(context.Context) error { return nil }))
	r.Register(Ping("redis", time.Second, func(context.Context) error { return errors.New("connection refused") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "redis" || statuses[1].Detail != "connection refused" {
		t.Fatalf("unexpected status %+v", statuses[1])
	}
}

func TestPing_Timeout(t *testing.T) {
	check := Ping("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	st := check(context.Background())
	if st.Healthy {
		t.Fatal("expected timeout to be unhealthy")
	}
}

func TestRunning(t *testing.T) {
	running := false
	check := Running("escrow_sweep", func() bool { return running })
	if check(context.Background()).Healthy {
		t.Fatal("stopped loop should be unhealthy")
	}
	running = true
	if !check(context.Background()).Healthy {
		t.Fatal("running loop should be healthy")
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register(Running("timer", func() bool { return true }))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
