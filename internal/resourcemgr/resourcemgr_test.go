// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package resourcemgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegismesh/aegis/internal/proto"
	"github.com/aegismesh/aegis/internal/registry"
)

type capturedWebhook struct {
	mu sync.Mutex
	payloads []map[string]any
}

func (c *capturedWebhook) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		c.mu.Lock()
		c.payloads = append(c.payloads, payload)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func (c *capturedWebhook) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *capturedWebhook) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

// TestPredictiveScaleUpScenario is an end-to-end scenario: feeding
// the literal CPU history [0.40..0.78] with scale_up_cpu = 0.80 must
// project a +10min CPU above 0.80 and fire exactly one webhook after two
// consecutive armed checks.
func TestPredictiveScaleUpScenario(t *testing.T) {
	hook := &capturedWebhook{}
	srv := hook.server()
	defer srv.Close()

	reg := registry.New(registry.Config{HeartbeatTimeout: time.Minute})
	cfg := Config{ScaleUpCPU: 0.80, WebhookURL: srv.URL}
	m := New(cfg, reg, nil)

	history := []float64{0.40, 0.45, 0.50, 0.55, 0.60, 0.65, 0.70, 0.72, 0.75, 0.78}
	base := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return base }
	m.startedAt = base

	for i, cpu := range history {
		elapsed := time.Duration(i) * time.Minute
		m.now = func() time.Time { return base.Add(elapsed) }
		m.RecordCPUSample(cpu)
	}

	ctx := context.Background()
	m.CheckScaleUp(ctx) // 1st armed check: no webhook yet
	if hook.count() != 0 {
		t.Fatalf("expected no webhook after first armed check, got %d", hook.count())
	}
	m.CheckScaleUp(ctx) // 2nd consecutive armed check: fires

	if hook.count() != 1 {
		t.Fatalf("expected exactly one webhook POST, got %d", hook.count())
	}
	last := hook.last()
	if last["reason"] != "PREDICTED_HIGH_FLEET_CPU_LOAD" {
		t.Fatalf("expected reason PREDICTED_HIGH_FLEET_CPU_LOAD, got %v", last["reason"])
	}
}

func TestScaleUpDoesNotFireWithFewerThanTenSamples(t *testing.T) {
	hook := &capturedWebhook{}
	srv := hook.server()
	defer srv.Close()

	reg := registry.New(registry.Config{HeartbeatTimeout: time.Minute})
	m := New(Config{ScaleUpCPU: 0.1, WebhookURL: srv.URL}, reg, nil)

	for i := 0; i < 5; i++ {
		m.RecordCPUSample(0.9)
	}
	m.CheckScaleUp(context.Background())
	m.CheckScaleUp(context.Background())

	if hook.count() != 0 {
		t.Fatalf("expected no webhook with fewer than 10 samples, got %d", hook.count())
	}
}

// TestSelfHealingScenario is an end-to-end scenario: a node
// missing heartbeats for heartbeat_timeout+1s with no prior termination
// command fires exactly one webhook with reason
// UNEXPECTED_NODE_FAILURE and the node's id/IP.
func TestSelfHealingScenario(t *testing.T) {
	hook := &capturedWebhook{}
	srv := hook.server()
	defer srv.Close()

	// A short real heartbeat_timeout lets this cross-package test drive
	// the registry's dead-check sweep without reaching into its
	// unexported clock.
	reg := registry.New(registry.Config{HeartbeatTimeout: 20 * time.Millisecond})
	id := reg.Register("10.0.0.9")
	reg.Heartbeat(id, proto.StatusActive, proto.NodeMetrics{})
	reg.DeadCheck()

	m := New(Config{WebhookURL: srv.URL}, reg, nil)

	time.Sleep(30 * time.Millisecond)
	reg.DeadCheck()

	select {
	case ev := <-reg.Failures():
		m.HandleFailure(context.Background(), ev)
	case <-time.After(time.Second):
		t.Fatal("expected a failure event from the registry")
	}

	if hook.count() != 1 {
		t.Fatalf("expected exactly one webhook POST, got %d", hook.count())
	}
	last := hook.last()
	if last["reason"] != "UNEXPECTED_NODE_FAILURE" {
		t.Fatalf("expected reason UNEXPECTED_NODE_FAILURE, got %v", last["reason"])
	}
	if last["node_id"] != id {
		t.Fatalf("expected node_id %s, got %v", id, last["node_id"])
	}
}
