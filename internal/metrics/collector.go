// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"sync"
	"time"
)

// MetricsCollector accumulates in-process counters and timing samples for
// a running node, independent of the Prometheus vectors in crypto.go,
// handshake.go, message.go, and session.go — this is the cheap snapshot a
// health endpoint can read without scraping /metrics.
type MetricsCollector struct {
	mu sync.RWMutex

	// Counters
	RatchetEncryptCount int64
	RatchetDecryptCount int64
	DecryptFailures     int64
	LighthouseLookups   int64
	CacheHits           int64
	CacheMisses         int64
	LighthouseCalls     int64
	LighthouseErrors    int64
	ReassemblyTimeouts  int64

	// Timing metrics (in microseconds)
	EncryptTimes          []int64
	DecryptTimes          []int64
	LighthouseLatencies   []int64
	LighthouseLookupTimes []int64

	startTime time.Time

	maxTimingSamples int
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:        time.Now(),
		maxTimingSamples: 1000,
	}
}

// RecordEncrypt records a ratchet encrypt operation.
func (mc *MetricsCollector) RecordEncrypt(duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.RatchetEncryptCount++
	mc.recordTiming(&mc.EncryptTimes, duration)
}

// RecordDecrypt records a ratchet decrypt operation.
func (mc *MetricsCollector) RecordDecrypt(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.RatchetDecryptCount++
	if !success {
		mc.DecryptFailures++
	}
	mc.recordTiming(&mc.DecryptTimes, duration)
}

// RecordLighthouseLookup records a lighthouse directory lookup.
func (mc *MetricsCollector) RecordLighthouseLookup(cached bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.LighthouseLookups++
	if cached {
		mc.CacheHits++
	} else {
		mc.CacheMisses++
	}
	mc.recordTiming(&mc.LighthouseLookupTimes, duration)
}

// RecordLighthouseCall records any lighthouse HTTP round trip.
func (mc *MetricsCollector) RecordLighthouseCall(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.LighthouseCalls++
	if !success {
		mc.LighthouseErrors++
	}
	mc.recordTiming(&mc.LighthouseLatencies, duration)
}

// RecordReassemblyTimeout records a dropped, incompletely reassembled packet.
func (mc *MetricsCollector) RecordReassemblyTimeout() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.ReassemblyTimeouts++
}

func (mc *MetricsCollector) recordTiming(timings *[]int64, duration time.Duration) {
	microseconds := duration.Microseconds()
	*timings = append(*timings, microseconds)

	if len(*timings) > mc.maxTimingSamples {
		*timings = (*timings)[len(*timings)-mc.maxTimingSamples:]
	}
}

// GetSnapshot returns a snapshot of current metrics.
func (mc *MetricsCollector) GetSnapshot() *MetricsSnapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return &MetricsSnapshot{
		Timestamp:                 time.Now(),
		Uptime:                    time.Since(mc.startTime),
		RatchetEncryptCount:       mc.RatchetEncryptCount,
		RatchetDecryptCount:       mc.RatchetDecryptCount,
		DecryptFailures:           mc.DecryptFailures,
		LighthouseLookups:         mc.LighthouseLookups,
		CacheHits:                 mc.CacheHits,
		CacheMisses:               mc.CacheMisses,
		LighthouseCalls:           mc.LighthouseCalls,
		LighthouseErrors:          mc.LighthouseErrors,
		ReassemblyTimeouts:        mc.ReassemblyTimeouts,
		AvgEncryptTime:            calculateAverage(mc.EncryptTimes),
		AvgDecryptTime:            calculateAverage(mc.DecryptTimes),
		AvgLighthouseCallTime:     calculateAverage(mc.LighthouseLatencies),
		AvgLighthouseLookupTime:   calculateAverage(mc.LighthouseLookupTimes),
		P95EncryptTime:            calculatePercentile(mc.EncryptTimes, 95),
		P95DecryptTime:            calculatePercentile(mc.DecryptTimes, 95),
		P95LighthouseCallTime:     calculatePercentile(mc.LighthouseLatencies, 95),
		P95LighthouseLookupTime:   calculatePercentile(mc.LighthouseLookupTimes, 95),
	}
}

// Reset resets all metrics.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.RatchetEncryptCount = 0
	mc.RatchetDecryptCount = 0
	mc.DecryptFailures = 0
	mc.LighthouseLookups = 0
	mc.CacheHits = 0
	mc.CacheMisses = 0
	mc.LighthouseCalls = 0
	mc.LighthouseErrors = 0
	mc.ReassemblyTimeouts = 0

	mc.EncryptTimes = nil
	mc.DecryptTimes = nil
	mc.LighthouseLatencies = nil
	mc.LighthouseLookupTimes = nil

	mc.startTime = time.Now()
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	// Counters
	RatchetEncryptCount int64
	RatchetDecryptCount int64
	DecryptFailures     int64
	LighthouseLookups   int64
	CacheHits           int64
	CacheMisses         int64
	LighthouseCalls     int64
	LighthouseErrors    int64
	ReassemblyTimeouts  int64

	// Timing averages (microseconds)
	AvgEncryptTime          float64
	AvgDecryptTime          float64
	AvgLighthouseCallTime   float64
	AvgLighthouseLookupTime float64

	// 95th percentile timings (microseconds)
	P95EncryptTime          int64
	P95DecryptTime          int64
	P95LighthouseCallTime   int64
	P95LighthouseLookupTime int64
}

// GetCacheHitRate returns the lighthouse lookup cache hit rate as a percentage.
func (ms *MetricsSnapshot) GetCacheHitRate() float64 {
	total := ms.CacheHits + ms.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(ms.CacheHits) / float64(total) * 100
}

// GetDecryptFailureRate returns the ratchet decrypt failure rate as a percentage.
func (ms *MetricsSnapshot) GetDecryptFailureRate() float64 {
	if ms.RatchetDecryptCount == 0 {
		return 0
	}
	return float64(ms.DecryptFailures) / float64(ms.RatchetDecryptCount) * 100
}

// GetLighthouseErrorRate returns the lighthouse call error rate as a percentage.
func (ms *MetricsSnapshot) GetLighthouseErrorRate() float64 {
	if ms.LighthouseCalls == 0 {
		return 0
	}
	return float64(ms.LighthouseErrors) / float64(ms.LighthouseCalls) * 100
}

// Helper functions

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile int) int64 {
	if len(values) == 0 {
		return 0
	}

	index := len(values) * percentile / 100
	if index >= len(values) {
		index = len(values) - 1
	}

	sorted := make([]int64, len(values))
	copy(sorted, values)

	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	return sorted[index]
}

// Global metrics collector instance
var globalCollector = NewMetricsCollector()

// GetGlobalCollector returns the global metrics collector.
func GetGlobalCollector() *MetricsCollector {
	return globalCollector
}
