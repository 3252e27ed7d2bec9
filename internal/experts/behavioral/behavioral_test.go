// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package behavioral

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/proto"
)

func testConfig() Config {
	return Config{
		WindowSeconds:    60,
		ErrorThreshold:   3,
		RequestThreshold: 100,
		BlockDurationS:   300,
	}
}

func TestObserveFiresOnErrorThreshold(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.TopicCommandsBlock)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := New(testConfig(), b, nil)
	for i := 0; i < 3; i++ {
		if err := e.Observe(ctx, proto.TelemetryEvent{SourceIP: "10.0.0.1", StatusCode: 500}); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	select {
	case msg := <-ch:
		var cmd proto.BlockCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			t.Fatalf("unmarshal block command: %v", err)
		}
		if cmd.IP != "10.0.0.1" || cmd.Source != "BehavioralExpert" {
			t.Fatalf("unexpected block command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a BlockCommand to be published")
	}
}

func TestObserveDoesNotFireBelowThreshold(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.TopicCommandsBlock)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := New(testConfig(), b, nil)
	if err := e.Observe(ctx, proto.TelemetryEvent{SourceIP: "10.0.0.2", StatusCode: 200}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected block command published: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCleanupEvictsStaleWindows(t *testing.T) {
	e := New(testConfig(), bus.NewMemoryBus(), nil)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	ctx := context.Background()
	if err := e.Observe(ctx, proto.TelemetryEvent{SourceIP: "10.0.0.3", StatusCode: 200}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	e.Cleanup()

	e.mu.Lock()
	_, present := e.windows["10.0.0.3"]
	e.mu.Unlock()
	if present {
		t.Fatal("expected stale window to be evicted by Cleanup")
	}
}
