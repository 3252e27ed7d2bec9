// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, TopicSecurityEvents)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, TopicSecurityEvents, []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Topic != TopicSecurityEvents {
			t.Fatalf("expected topic %s, got %s", TopicSecurityEvents, msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusIgnoresUnsubscribedTopics(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, TopicStateSync)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, TopicCommandsBlock, []byte("x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected message on unsubscribed-topic channel: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelemetryTopic(t *testing.T) {
	if got := TelemetryTopic("node-1"); got != "telemetry.node-1" {
		t.Fatalf("unexpected telemetry topic: %s", got)
	}
}
