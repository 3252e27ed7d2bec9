// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/proto"
)

func TestTrackerWelford(t *testing.T) {
	var tr Tracker
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		tr.Update(v)
	}
	if mathAbs(tr.Mean-5.0) > 1e-9 {
		t.Fatalf("expected mean 5.0, got %v", tr.Mean)
	}
	if mathAbs(tr.StdDev()-2.138089935) > 1e-6 {
		t.Fatalf("unexpected stddev: %v", tr.StdDev())
	}
}

func mathAbs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestZScoreZeroVariance(t *testing.T) {
	var tr Tracker
	tr.Update(5)
	tr.Update(5)
	if got := tr.ZScore(5); got != 0 {
		t.Fatalf("expected zero z-score for identical value, got %v", got)
	}
	if got := tr.ZScore(10); got != 100.0 {
		t.Fatalf("expected saturating z-score 100 for zero-variance deviation, got %v", got)
	}
}

func TestExtractFeaturesBasic(t *testing.T) {
	samples := []requestSample{
		{uri: "/a", userAgent: "ua1", isError: false, latencyMs: 10},
		{uri: "/a", userAgent: "ua1", isError: true, latencyMs: 20},
		{uri: "/b", userAgent: "ua2", isError: false, latencyMs: 30},
	}
	f := ExtractFeatures(samples, 3*time.Second)

	if f.RequestCount != 3 {
		t.Fatalf("expected request_count 3, got %v", f.RequestCount)
	}
	if mathAbs(f.ErrorRatio-1.0/3.0) > 1e-9 {
		t.Fatalf("expected error_ratio 1/3, got %v", f.ErrorRatio)
	}
	if f.DistinctURIs != 2 {
		t.Fatalf("expected distinct_uris 2, got %v", f.DistinctURIs)
	}
	if mathAbs(f.UserAgentDiversity-2.0/3.0) > 1e-9 {
		t.Fatalf("expected user_agent_diversity 2/3, got %v", f.UserAgentDiversity)
	}
	if f.RequestRate <= 0 {
		t.Fatalf("expected positive request_rate, got %v", f.RequestRate)
	}
}

func TestHeuristicScoreClipped(t *testing.T) {
	f := proto.TrafficFeatures{ErrorRatio: 2.0, DistinctURIs: 1, URIEntropy: -1, RequestRate: 1000, UserAgentDiversity: -1}
	score := HeuristicScore(f)
	if score < 0 || score > 1 {
		t.Fatalf("expected heuristic score in [0,1], got %v", score)
	}
}

func TestForestScoreBounded(t *testing.T) {
	f := NewForest(20)
	samples := make([][8]float64, 0, 50)
	for i := 0; i < 50; i++ {
		samples = append(samples, [8]float64{float64(i % 5), 0.1, 2, 0.5, 10, 1, 0.2, 0.3})
	}
	if err := f.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}

	score := f.Score([8]float64{100, 100, 100, 100, 100, 100, 100, 100})
	if score < 0 || score > 1 {
		t.Fatalf("expected score in [0,1], got %v", score)
	}
}

func TestExpertTransitionsToInferenceAfterTrainingWindow(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := Config{
		MaxBufferSize:     100,
		FeatureWindowS:    60,
		TrainingDurationS: 10,
		RetrainIntervalS:  3600,
		AnomalyThreshold:  0.9,
		TreeCount:         5,
	}
	e := New(cfg, b, nil)
	base := time.Unix(1_700_000_000, 0)
	e.now = func() time.Time { return base }

	ctx := context.Background()
	e.Observe(ctx, "10.0.0.1", proto.TelemetryEvent{URI: "/x", StatusCode: 200}, 5)

	if e.Mode() != Training {
		t.Fatalf("expected Training mode before training duration elapses")
	}

	e.now = func() time.Time { return base.Add(11 * time.Second) }
	e.Observe(ctx, "10.0.0.1", proto.TelemetryEvent{URI: "/x", StatusCode: 200}, 5)

	// Training happens on a goroutine; poll briefly for the mode switch.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.Mode() == Inference {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected expert to transition to Inference mode")
}

func TestEnqueueInferenceDropsWhenFull(t *testing.T) {
	cfg := Config{InferenceQueueSize: 1}
	e := New(cfg, bus.NewMemoryBus(), nil)

	e.enqueueInference("10.0.0.1", proto.TrafficFeatures{})
	// Second enqueue should be dropped silently, not block or panic.
	e.enqueueInference("10.0.0.2", proto.TrafficFeatures{})

	if len(e.queue) != 1 {
		t.Fatalf("expected queue to hold exactly 1 job, got %d", len(e.queue))
	}
}
