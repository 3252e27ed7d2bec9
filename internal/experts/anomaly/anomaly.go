// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package anomaly implements the anomaly expert:
// per-IP feature extraction over a rolling request buffer, a
// Training→Inference lifecycle, and an async, bounded-queue inference
// path so a slow model never adds latency to the request path.
package anomaly

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/internal/bus"
	"github.com/aegismesh/aegis/internal/logging"
	"github.com/aegismesh/aegis/internal/proto"
)

// Mode is the expert's lifecycle state.
type Mode int

const (
	Training Mode = iota
	Inference
)

// Config holds the named parameters for one Expert instance.
type Config struct {
	MaxBufferSize int
	FeatureWindowS int64
	TrainingDurationS int64
	RetrainIntervalS int64
	AnomalyThreshold float64
	BlockDurationS int64 // default 3600 (1 hour)
	InferenceQueueSize int
	TreeCount int
}

// requestSample is one raw observation folded into a per-IP rolling
// buffer before feature extraction.
type requestSample struct {
	at time.Time
	uri string
	userAgent string
	isError bool
	latencyMs float64
}

type perIPBuffer struct {
	mu sync.Mutex
	samples []requestSample
}

// inferenceJob is one unit of work handed to the background scorer.
type inferenceJob struct {
	ip string
	features proto.TrafficFeatures
}

// Expert runs the anomaly detection lifecycle for one node.
type Expert struct {
	cfg Config
	bus bus.Publisher
	logger *logging.Logger

	mu sync.Mutex
	mode Mode
	startedAt time.Time
	lastTrainAt time.Time
	buffers map[string]*perIPBuffer
	trainingSet [][8]float64

	classifier Classifier
	queue chan inferenceJob

	now func() time.Time
}

// New returns an Expert in Training mode.
func New(cfg Config, pub bus.Publisher, logger *logging.Logger) *Expert {
	if cfg.InferenceQueueSize <= 0 {
		cfg.InferenceQueueSize = 256
	}
	if cfg.BlockDurationS <= 0 {
		cfg.BlockDurationS = 3600
	}
	e := &Expert{
		cfg: cfg,
		bus: pub,
		logger: logger,
		mode: Training,
		buffers: make(map[string]*perIPBuffer),
		queue: make(chan inferenceJob, cfg.InferenceQueueSize),
		now: time.Now,
	}
	e.startedAt = e.now()
	return e
}

// Mode reports the expert's current lifecycle state.
func (e *Expert) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Expert) bufferFor(ip string) *perIPBuffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buffers[ip]
	if !ok {
		b = &perIPBuffer{}
		e.buffers[ip] = b
	}
	return b
}

// Observe records one request for ip, extracts features over the samples
// still inside the feature window, and either stores them (Training) or
// enqueues them for inference (Inference).
func (e *Expert) Observe(ctx context.Context, ip string, ev proto.TelemetryEvent, latencyMs float64) {
	buf := e.bufferFor(ip)
	now := e.now()
	horizon := now.Add(-time.Duration(e.cfg.FeatureWindowS) * time.Second)

	buf.mu.Lock()
	buf.samples = append(buf.samples, requestSample{
		at: now,
		uri: ev.URI,
		userAgent: ev.UserAgent,
		isError: ev.StatusCode >= 400,
		latencyMs: latencyMs,
	})
	if len(buf.samples) > e.cfg.MaxBufferSize {
		buf.samples = buf.samples[len(buf.samples)-e.cfg.MaxBufferSize:]
	}
	kept := buf.samples[:0]
	for _, s := range buf.samples {
		if !s.at.Before(horizon) {
			kept = append(kept, s)
		}
	}
	buf.samples = kept
	snapshot := append([]requestSample(nil), kept...)
	buf.mu.Unlock()

	features := ExtractFeatures(snapshot, time.Duration(e.cfg.FeatureWindowS)*time.Second)

	e.mu.Lock()
	mode := e.mode
	if mode == Training {
		e.trainingSet = append(e.trainingSet, features.Vector())
	}
	e.mu.Unlock()

	switch mode {
	case Training:
		e.maybeTransitionToInference(ctx)
	case Inference:
		e.enqueueInference(ip, features)
	}
}

// maybeTransitionToInference ends Training once TrainingDurationS has
// elapsed, training the classifier off the request path and switching
// to Inference once it is ready.
func (e *Expert) maybeTransitionToInference(ctx context.Context) {
	e.mu.Lock()
	elapsed := e.now().Sub(e.startedAt).Seconds()
	if e.mode != Training || elapsed < float64(e.cfg.TrainingDurationS) {
		e.mu.Unlock()
		return
	}
	trainingSet := e.trainingSet
	e.trainingSet = nil
	e.mu.Unlock()

	go e.train(trainingSet)
}

func (e *Expert) train(samples [][8]float64) {
	forest := NewForest(e.cfg.TreeCount)
	if err := forest.Train(samples); err != nil {
		if e.logger != nil {
			e.logger.Warn("anomaly: training failed", "error", err)
		}
		return
	}

	e.mu.Lock()
	e.classifier = forest
	e.mode = Inference
	e.lastTrainAt = e.now()
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.Info("anomaly: switched to inference mode", "training_samples", len(samples))
	}
}

// MaybeRetrain re-trains the classifier if RetrainIntervalS has elapsed
// since the last training run.
func (e *Expert) MaybeRetrain() {
	e.mu.Lock()
	if e.mode != Inference || e.now().Sub(e.lastTrainAt).Seconds() < float64(e.cfg.RetrainIntervalS) {
		e.mu.Unlock()
		return
	}
	samples := e.trainingSet
	e.trainingSet = nil
	e.mu.Unlock()

	go e.train(samples)
}

// HeuristicScore computes the Training-phase fallback score: the
// average of error_ratio, 1-uri_entropy (when distinct_uris < 3),
// request_rate/100, and 1-user_agent_diversity, each clipped to [0,1].
func HeuristicScore(f proto.TrafficFeatures) float64 {
	clip := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}

	terms := []float64{clip(f.ErrorRatio)}
	if f.DistinctURIs < 3 {
		terms = append(terms, clip(1-f.URIEntropy))
	}
	terms = append(terms, clip(f.RequestRate/100))
	terms = append(terms, clip(1-f.UserAgentDiversity))

	var sum float64
	for _, t := range terms {
		sum += t
	}
	return sum / float64(len(terms))
}

// enqueueInference drops the job if the queue is full: callers never
// block on inference, and a full queue is treated as non-anomalous.
func (e *Expert) enqueueInference(ip string, features proto.TrafficFeatures) {
	select {
	case e.queue <- inferenceJob{ip: ip, features: features}:
	default:
	}
}

// RunWorker drains the inference queue and publishes a BlockCommand for
// any score exceeding AnomalyThreshold, until ctx is canceled.
func (e *Expert) RunWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-e.queue:
			e.mu.Lock()
			classifier := e.classifier
			e.mu.Unlock()
			if classifier == nil {
				continue
			}
			score := classifier.Score(job.features.Vector())
			if score > e.cfg.AnomalyThreshold {
				if err := e.publishBlock(ctx, job.ip, score); err != nil && e.logger != nil {
					e.logger.Warn("anomaly: publish block command failed", "error", err)
				}
			}
		}
	}
}

func (e *Expert) publishBlock(ctx context.Context, ip string, score float64) error {
	cmd := proto.BlockCommand{
		CommandID: uuid.NewString(),
		IP: ip,
		Reason: "anomaly_score_exceeded",
		DurationS: e.cfg.BlockDurationS,
		Action: proto.ActionIPBlock,
		IssuedAt: e.now(),
		Source: "AnomalyExpert",
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Info("anomaly: blocking ip", "ip", ip, "score", score)
	}
	return e.bus.Publish(ctx, bus.TopicCommandsBlock, payload)
}
