// Copyright 2025 Tom Barlow
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

package bridge

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_tool_calls_total",
			Help: "Total downstream tool calls by server and status",
		},
		[]string{"server", "status"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpbridge_tool_call_duration_seconds",
			Help:    "Duration of downstream tool calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	connectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpbridge_connects_total",
			Help: "Total successful downstream connects by server",
		},
		[]string{"server"},
	)

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpbridge_retries_total",
		Help: "Total retry attempts across all downstream calls",
	})

	compactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpbridge_compactions_total",
		Help: "Total results compacted into the result store",
	})

	schemaCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpbridge_schema_cache_hits_total",
		Help: "Total schema cache reads served without a downstream listTools",
	})

	schemaCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpbridge_schema_cache_misses_total",
		Help: "Total schema cache reads that issued a downstream listTools",
	})

	resultsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcpbridge_results_expired_total",
		Help: "Total stored results removed by expiry (sweep or read path)",
	})
)

// counterSnapshot gathers the bridge's counter families from the default
// registry, summing each across its label sets. Surfaced by
// get_bridge_stats; histograms are not included, and the bridge serves no
// metrics endpoint of its own.
func counterSnapshot() map[string]float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil
	}

	counters := make(map[string]float64)
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "mcpbridge_") ||
			family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		total := 0.0
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		counters[family.GetName()] = total
	}
	return counters
}
