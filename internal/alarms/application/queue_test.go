package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	alarms "netshield/internal/alarms/domain"
	"netshield/internal/config"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueueProcessesSubmissions(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewCreationQueue(e.service, nil)
	queue.Start(ctx)
	defer queue.Stop()

	for _, dest := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		if _, err := queue.Enqueue(intelAlarm(t, "AA:BB:CC:DD:EE:01", dest), nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitFor(t, "queue to create all alarms", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count == 3
	})
}

func TestQueueSerializesDuplicates(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewCreationQueue(e.service, nil)
	queue.Start(ctx)
	defer queue.Stop()

	// Two logically identical candidates racing through creation: exactly
	// one may survive.
	if _, err := queue.Enqueue(newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(newDeviceAlarm(t, "AA:BB:CC:DD:EE:01"), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "first alarm to land", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count >= 1
	})
	// Give the second job time to be rejected as a duplicate.
	time.Sleep(200 * time.Millisecond)
	count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
	if count != 1 {
		t.Fatalf("active count = %d, want exactly 1", count)
	}
}

func TestQueueDropsLocalIgnore(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewCreationQueue(e.service, nil)
	queue.Start(ctx)
	defer queue.Stop()

	dropped := intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.1")
	dropped.Set(alarms.KeyLocalDecision, "ignore")
	if _, err := queue.Enqueue(dropped, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(intelAlarm(t, "AA:BB:CC:DD:EE:02", "203.0.113.2"), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, "second alarm to land", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count == 1
	})
	members, _ := e.store.IndexMembers(context.Background(), alarms.IndexActive)
	alarm, err := e.service.Get(context.Background(), members[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if alarm.DeviceMAC() != "AA:BB:CC:DD:EE:02" {
		t.Fatalf("locally ignored alarm was created")
	}
}

func TestQueueAppliesOverlay(t *testing.T) {
	cfg := config.Config{Alarms: config.AlarmsConfig{Apply: map[string]map[string]string{
		"default": {"timeout": "600"},
		"intel":   {"p.severity": "high"},
	}}}
	e := newEnv(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewCreationQueue(e.service, nil)
	queue.Start(ctx)
	defer queue.Stop()

	if _, err := queue.Enqueue(intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.1"), nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "alarm to land", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count == 1
	})

	members, _ := e.store.IndexMembers(context.Background(), alarms.IndexActive)
	alarm, err := e.service.Get(context.Background(), members[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if alarm.Get("p.severity") != "high" {
		t.Fatalf("overlay not applied: %v", alarm.Attributes)
	}
	if alarm.Get("timeout") != "" {
		t.Fatalf("timeout overlay key must never become an attribute")
	}
}

func TestReinitCarriesOverBufferedJobs(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	queue := NewCreationQueue(e.service, nil)

	// An already-canceled context kills the worker immediately, so the
	// channel only buffers.
	dead, cancel := context.WithCancel(context.Background())
	cancel()
	queue.Start(dead)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < queueCapacity; i++ {
		mac := fmt.Sprintf("AA:BB:CC:DD:%02X:%02X", (i/256)%256, i%256)
		if _, err := queue.Enqueue(intelAlarm(t, mac, "203.0.113.1"), nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	// The next submission jams the full channel and forces a rebuild. The
	// jobs buffered behind the dead worker must survive into the fresh one.
	_, _ = queue.Enqueue(intelAlarm(t, "AA:BB:CC:DE:00:00", "203.0.113.1"), nil)
	defer queue.Stop()

	waitFor(t, "buffered jobs to survive the rebuild", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count >= queueCapacity
	})
}

func TestEnqueueAfterStopReinitializes(t *testing.T) {
	e := newEnv(t, config.Config{}, nil)
	queue := NewCreationQueue(e.service, nil)
	queue.Start(context.Background())
	queue.Stop()

	// The jammed-queue path rebuilds the worker and retries once.
	if _, err := queue.Enqueue(intelAlarm(t, "AA:BB:CC:DD:EE:01", "203.0.113.1"), nil); err != nil {
		t.Fatalf("enqueue after stop: %v", err)
	}
	defer queue.Stop()
	waitFor(t, "alarm to land after reinit", func() bool {
		count, _ := e.store.IndexCount(context.Background(), alarms.IndexActive)
		return count == 1
	})
}
