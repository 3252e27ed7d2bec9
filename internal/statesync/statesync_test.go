// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package statesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/proto"
)

func TestPublishOnlySendsWhatChanged(t *testing.T) {
	ctx := context.Background()
	memBus := bus.NewMemoryBus()
	msgs, err := memBus.Subscribe(ctx, bus.TopicStateSync)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s := New("node-a", nil)
	s.Increment("requests_total", 5)

	if err := s.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var first proto.StateUpdate
	select {
	case m := <-msgs:
		if err := json.Unmarshal(m.Payload, &first); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a state update")
	}
	if first.Counters["requests_total"]["node-a"] != 5 {
		t.Fatalf("expected requests_total[node-a]=5, got %v", first.Counters)
	}

	// Nothing changed since the last publish: no message should follow.
	if err := s.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-msgs:
		t.Fatalf("expected no update when nothing changed, got %v", m)
	case <-time.After(50 * time.Millisecond):
	}

	s.Increment("requests_total", 3)
	if err := s.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var second proto.StateUpdate
	select {
	case m := <-msgs:
		if err := json.Unmarshal(m.Payload, &second); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delta update")
	}
	if second.Counters["requests_total"]["node-a"] != 8 {
		t.Fatalf("expected delta report of cumulative value 8, got %v", second.Counters)
	}
}

func TestHandleUpdateConvergesAcrossNodes(t *testing.T) {
	ctx := context.Background()
	memBus := bus.NewMemoryBus()

	nodeA := New("node-a", nil)
	nodeB := New("node-b", nil)

	msgs, err := memBus.Subscribe(ctx, bus.TopicStateSync)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	nodeA.Increment("blocked_total", 10)
	nodeB.Increment("blocked_total", 4)

	if err := nodeA.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	if err := nodeB.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish b: %v", err)
	}

	orchestrator := New("orchestrator", nil)
	for i := 0; i < 2; i++ {
		select {
		case m := <-msgs:
			var update proto.StateUpdate
			if err := json.Unmarshal(m.Payload, &update); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			orchestrator.HandleUpdate(update)
		case <-time.After(time.Second):
			t.Fatal("expected two state updates")
		}
	}

	if got := orchestrator.Value("blocked_total"); got != 14 {
		t.Fatalf("expected converged blocked_total 14, got %d", got)
	}
}

func TestListenIgnoresSelfPublishedUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	memBus := bus.NewMemoryBus()

	s := New("node-a", nil)
	done := make(chan struct{})
	go func() {
		_ = s.Listen(ctx, memBus)
		close(done)
	}()

	// Give the subscription time to register before publishing.
	time.Sleep(10 * time.Millisecond)

	s.Increment("requests_total", 7)
	if err := s.Publish(ctx, memBus); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// A node must never re-merge its own broadcast: Value should still
	// reflect only the local Increment, not a doubled total.
	if got := s.Value("requests_total"); got != 7 {
		t.Fatalf("expected self-update to be ignored, got %d", got)
	}

	cancel()
	<-done
}
