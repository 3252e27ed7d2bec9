// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package threatintel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/proto"
)

func TestBlockPublishesConvergence(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.TopicControlCommands)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := New(b, nil)
	if err := e.Block(ctx, "1.2.3.4", 60*time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}

	select {
	case msg := <-ch:
		var cmd proto.ControlCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if cmd.IP != "1.2.3.4" || cmd.TTLS != 60 {
			t.Fatalf("unexpected control command: %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a control command")
	}

	remaining, blocked := e.IsBlocked("1.2.3.4")
	if !blocked || remaining <= 0 {
		t.Fatalf("expected ip to be blocked with positive remaining TTL, got %v blocked=%v", remaining, blocked)
	}
}

func TestHandleSecurityEventReemitsConvergence(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.TopicControlCommands)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := New(b, nil)
	if err := e.Block(ctx, "5.6.7.8", time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	<-ch // drain the Block-triggered command

	if err := e.HandleSecurityEvent(ctx, proto.SecurityEvent{SourceIP: "5.6.7.8"}); err != nil {
		t.Fatalf("HandleSecurityEvent: %v", err)
	}

	select {
	case msg := <-ch:
		var cmd proto.ControlCommand
		_ = json.Unmarshal(msg.Payload, &cmd)
		if cmd.IP != "5.6.7.8" {
			t.Fatalf("expected re-emitted command for blocked ip, got %+v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("expected convergence command for already-blocked ip")
	}
}

func TestHandleSecurityEventIgnoresUnblockedIP(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, bus.TopicControlCommands)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := New(b, nil)
	if err := e.HandleSecurityEvent(ctx, proto.SecurityEvent{SourceIP: "9.9.9.9"}); err != nil {
		t.Fatalf("HandleSecurityEvent: %v", err)
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected convergence command for unblocked ip: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnblockRemovesEntry(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()
	e := New(b, nil)

	if err := e.Block(ctx, "1.1.1.1", time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := e.Unblock(ctx, "1.1.1.1"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if _, blocked := e.IsBlocked("1.1.1.1"); blocked {
		t.Fatal("expected ip to be unblocked")
	}
}
