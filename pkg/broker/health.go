// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"sync"
	"time"
)

// S3HealthState is the broker's view of object store availability. Produce
// and fetch consult it per partition: degraded maps to a retryable
// backpressure code, unavailable to a server error.
type S3HealthState string

const (
	S3StateHealthy     S3HealthState = "healthy"
	S3StateDegraded    S3HealthState = "degraded"
	S3StateUnavailable S3HealthState = "unavailable"
)

// S3HealthConfig sets the sliding window and the thresholds between states.
type S3HealthConfig struct {
	Window      time.Duration
	LatencyWarn time.Duration
	LatencyCrit time.Duration
	ErrorWarn   float64
	ErrorCrit   float64
	MaxSamples  int
}

// S3HealthMonitor classifies recent S3 operations into a health state. Every
// upload and download feeds it one sample; the state is recomputed from the
// samples still inside the window.
type S3HealthMonitor struct {
	cfg S3HealthConfig

	mu         sync.Mutex
	samples    []healthSample
	state      S3HealthState
	stateSince time.Time
	avgLatency time.Duration
	errorRate  float64
}

type healthSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// S3HealthSnapshot is a point-in-time copy of the monitor's aggregates.
type S3HealthSnapshot struct {
	State      S3HealthState
	Since      time.Time
	AvgLatency time.Duration
	ErrorRate  float64
	Samples    int
}

// NewS3HealthMonitor builds a monitor, filling unset thresholds with
// defaults.
func NewS3HealthMonitor(cfg S3HealthConfig) *S3HealthMonitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.LatencyWarn <= 0 {
		cfg.LatencyWarn = 500 * time.Millisecond
	}
	if cfg.LatencyCrit <= 0 {
		cfg.LatencyCrit = 3 * time.Second
	}
	if cfg.ErrorWarn <= 0 {
		cfg.ErrorWarn = 0.2
	}
	if cfg.ErrorCrit <= 0 {
		cfg.ErrorCrit = 0.6
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 512
	}
	return &S3HealthMonitor{
		cfg:        cfg,
		state:      S3StateHealthy,
		stateSince: time.Now(),
	}
}

// Observe records the outcome of one S3 operation and recomputes the state.
func (m *S3HealthMonitor) Observe(latency time.Duration, err error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, healthSample{
		at:      now,
		latency: latency,
		failed:  err != nil,
	})
	if over := len(m.samples) - m.cfg.MaxSamples; over > 0 {
		m.samples = append(m.samples[:0], m.samples[over:]...)
	}
	m.pruneLocked(now)
	m.classifyLocked(now)
}

// State returns the current health state.
func (m *S3HealthMonitor) State() S3HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the state alongside the window aggregates it came from.
func (m *S3HealthMonitor) Snapshot() S3HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return S3HealthSnapshot{
		State:      m.state,
		Since:      m.stateSince,
		AvgLatency: m.avgLatency,
		ErrorRate:  m.errorRate,
		Samples:    len(m.samples),
	}
}

func (m *S3HealthMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	keep := 0
	for keep < len(m.samples) && !m.samples[keep].at.After(cutoff) {
		keep++
	}
	if keep > 0 {
		m.samples = append(m.samples[:0], m.samples[keep:]...)
	}
}

func (m *S3HealthMonitor) classifyLocked(now time.Time) {
	if len(m.samples) == 0 {
		m.avgLatency = 0
		m.errorRate = 0
		m.transitionLocked(now, S3StateHealthy)
		return
	}
	var total time.Duration
	failures := 0
	for _, s := range m.samples {
		total += s.latency
		if s.failed {
			failures++
		}
	}
	m.avgLatency = total / time.Duration(len(m.samples))
	m.errorRate = float64(failures) / float64(len(m.samples))

	next := S3StateHealthy
	switch {
	case m.avgLatency >= m.cfg.LatencyCrit || m.errorRate >= m.cfg.ErrorCrit:
		next = S3StateUnavailable
	case m.avgLatency >= m.cfg.LatencyWarn || m.errorRate >= m.cfg.ErrorWarn:
		next = S3StateDegraded
	}
	m.transitionLocked(now, next)
}

func (m *S3HealthMonitor) transitionLocked(now time.Time, next S3HealthState) {
	if next == m.state {
		return
	}
	m.state = next
	m.stateSince = now
}
