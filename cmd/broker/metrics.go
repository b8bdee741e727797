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

package main

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novatechflow/strata/pkg/broker"
)

var (
	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_request_duration_seconds",
		Help:    "Kafka request handling latency by API.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"api"})
	requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_request_errors_total",
		Help: "Kafka requests that failed the connection, by API.",
	}, []string{"api"})
	s3OpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_s3_op_duration_seconds",
		Help:    "Object store operation latency by operation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"op"})
	s3OpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_s3_op_errors_total",
		Help: "Object store operations that failed, by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		requestLatency,
		requestErrors,
		s3OpLatency,
		s3OpErrors,
	)
}

// brokerCollector exposes gauges computed from live broker state on every
// scrape: S3 health, throughput, cache occupancy, long-poll watcher count.
// It is registered once in main, never from handler construction.
type brokerCollector struct {
	h *handler

	healthState   *prometheus.Desc
	healthLatency *prometheus.Desc
	healthErrors  *prometheus.Desc
	stateSeconds  *prometheus.Desc
	produceRPS    *prometheus.Desc
	fetchRPS      *prometheus.Desc
	cacheBytes    *prometheus.Desc
	cacheSegments *prometheus.Desc
	fetchWatchers *prometheus.Desc
}

func newBrokerCollector(h *handler) *brokerCollector {
	return &brokerCollector{
		h: h,
		healthState: prometheus.NewDesc("strata_s3_health_state",
			"Current broker view of S3 health (1 for the active state).",
			[]string{"state"}, nil),
		healthLatency: prometheus.NewDesc("strata_s3_latency_seconds_avg",
			"Average S3 latency over the sliding window.", nil, nil),
		healthErrors: prometheus.NewDesc("strata_s3_error_rate",
			"Fraction of S3 operations that failed in the sliding window.", nil, nil),
		stateSeconds: prometheus.NewDesc("strata_s3_state_duration_seconds",
			"Seconds spent in the current S3 health state.", nil, nil),
		produceRPS: prometheus.NewDesc("strata_produce_rps",
			"Ingest throughput in messages per second over the sliding window.", nil, nil),
		fetchRPS: prometheus.NewDesc("strata_fetch_rps",
			"Fetch throughput in messages per second over the sliding window.", nil, nil),
		cacheBytes: prometheus.NewDesc("strata_cache_bytes",
			"Bytes of segment data held in the read cache.", nil, nil),
		cacheSegments: prometheus.NewDesc("strata_cache_segments",
			"Segments held in the read cache.", nil, nil),
		fetchWatchers: prometheus.NewDesc("strata_fetch_watchers",
			"Partition subscriptions held by waiting fetches.", nil, nil),
	}
}

func (c *brokerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.healthState
	ch <- c.healthLatency
	ch <- c.healthErrors
	ch <- c.stateSeconds
	ch <- c.produceRPS
	ch <- c.fetchRPS
	ch <- c.cacheBytes
	ch <- c.cacheSegments
	ch <- c.fetchWatchers
}

func (c *brokerCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.h.s3Health.Snapshot()
	for _, state := range []broker.S3HealthState{broker.S3StateHealthy, broker.S3StateDegraded, broker.S3StateUnavailable} {
		value := 0.0
		if snap.State == state {
			value = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.healthState, prometheus.GaugeValue, value, string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.healthLatency, prometheus.GaugeValue, snap.AvgLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.healthErrors, prometheus.GaugeValue, snap.ErrorRate)
	if !snap.Since.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.stateSeconds, prometheus.GaugeValue, time.Since(snap.Since).Seconds())
	}
	ch <- prometheus.MustNewConstMetric(c.produceRPS, prometheus.GaugeValue, c.h.produceRate.rate())
	ch <- prometheus.MustNewConstMetric(c.fetchRPS, prometheus.GaugeValue, c.h.fetchRate.rate())
	ch <- prometheus.MustNewConstMetric(c.cacheBytes, prometheus.GaugeValue, float64(c.h.cache.Size()))
	ch <- prometheus.MustNewConstMetric(c.cacheSegments, prometheus.GaugeValue, float64(c.h.cache.Len()))
	ch <- prometheus.MustNewConstMetric(c.fetchWatchers, prometheus.GaugeValue, float64(c.h.notifier.Watching()))
}

// throughputTracker keeps a messages-per-second rate over a sliding window
// of one-second buckets. All methods tolerate a nil receiver.
type throughputTracker struct {
	mu      sync.Mutex
	buckets map[int64]int64
	window  time.Duration
}

func newThroughputTracker(window time.Duration) *throughputTracker {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &throughputTracker{buckets: make(map[int64]int64), window: window}
}

func (t *throughputTracker) setWindow(window time.Duration) {
	if t == nil || window <= 0 {
		return
	}
	t.mu.Lock()
	t.window = window
	t.mu.Unlock()
}

// windowSecondsLocked never reports less than one bucket.
func (t *throughputTracker) windowSecondsLocked() int64 {
	sec := int64(t.window / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

func (t *throughputTracker) add(count int64) {
	if t == nil || count <= 0 {
		return
	}
	now := time.Now().Unix()
	t.mu.Lock()
	t.buckets[now] += count
	t.pruneLocked(now)
	t.mu.Unlock()
}

// rate averages the retained samples over the observed span, capped at the
// window length.
func (t *throughputTracker) rate() float64 {
	if t == nil {
		return 0
	}
	now := time.Now().Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	if len(t.buckets) == 0 {
		return 0
	}
	var total int64
	oldest := now
	for sec, count := range t.buckets {
		total += count
		if sec < oldest {
			oldest = sec
		}
	}
	span := now - oldest + 1
	if limit := t.windowSecondsLocked(); span > limit {
		span = limit
	}
	if span < 1 {
		span = 1
	}
	return float64(total) / float64(span)
}

func (t *throughputTracker) pruneLocked(now int64) {
	floor := now - t.windowSecondsLocked()
	for sec := range t.buckets {
		if sec < floor {
			delete(t.buckets, sec)
		}
	}
}
