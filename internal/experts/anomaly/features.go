// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"math"
	"time"

	"github.com/aegismesh/aegis/internal/proto"
)

// ExtractFeatures computes the fixed 8-dimensional TrafficFeatures vector
// over samples observed within one feature window.
// windowDuration is used to compute request_rate (requests per second).
func ExtractFeatures(samples []requestSample, windowDuration time.Duration) proto.TrafficFeatures {
	count := len(samples)
	if count == 0 {
		return proto.TrafficFeatures{}
	}

	uriCounts := make(map[string]int, count)
	uaSet := make(map[string]struct{}, count)
	var errors int
	var latencySum float64
	latencies := make([]float64, 0, count)

	for _, s := range samples {
		uriCounts[s.uri]++
		if s.userAgent != "" {
			uaSet[s.userAgent] = struct{}{}
		}
		if s.isError {
			errors++
		}
		latencySum += s.latencyMs
		latencies = append(latencies, s.latencyMs)
	}

	avgLatency := latencySum / float64(count)

	var varianceSum float64
	for _, l := range latencies {
		d := l - avgLatency
		varianceSum += d * d
	}
	stddevLatency := math.Sqrt(varianceSum / float64(count))

	entropy := shannonEntropy(uriCounts, count)

	seconds := windowDuration.Seconds()
	var rate float64
	if seconds > 0 {
		rate = float64(count) / seconds
	}

	return proto.TrafficFeatures{
		RequestCount: float64(count),
		ErrorRatio: float64(errors) / float64(count),
		DistinctURIs: float64(len(uriCounts)),
		URIEntropy: entropy,
		AvgLatencyMs: avgLatency,
		LatencyStdDevMs: stddevLatency,
		RequestRate: rate,
		UserAgentDiversity: float64(len(uaSet)) / float64(count),
	}
}

// shannonEntropy computes the Shannon entropy (base 2) of the URI
// distribution described by counts over total observations.
func shannonEntropy(counts map[string]int, total int) float64 {
	if total == 0 || len(counts) <= 1 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
