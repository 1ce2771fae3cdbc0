// Copyright 2025 Antfly, Inc.
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

package linker

import "github.com/prometheus/client_golang/prometheus"

var (
	linkRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "link_request_ops_total",
			Help:      "The total number of linking requests.",
		},
		[]string{"endpoint"},
	)
	linkTextOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "link_text_ops_total",
			Help:      "The total number of texts linked.",
		},
	)
	linkCreationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "link_creation_ops_total",
			Help:      "The total number of mentions linked to an entity.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "load_duration_seconds",
			Help:      "Time taken to load a component.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"component"},
	)

	knowledgeBaseEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "knowledge_base_entries",
			Help:      "Number of indexed knowledge-base entries.",
		},
	)
	knowledgeBaseAliases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "knowledge_base_aliases",
			Help:      "Number of distinct aliases in the knowledge base.",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"}, // link
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"}, // link
	)

	encodingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "linker",
			Name:      "encoding_cache_total",
			Help:      "Description encoding cache lookups by result.",
		},
		[]string{"result"}, // hit, miss
	)
)

func init() {
	prometheus.MustRegister(linkRequestOps)
	prometheus.MustRegister(linkTextOps)
	prometheus.MustRegister(linkCreationOps)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(loadDuration)
	prometheus.MustRegister(knowledgeBaseEntries)
	prometheus.MustRegister(knowledgeBaseAliases)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(encodingCacheTotal)
}

// RecordLinkRequest counts a request and the texts and links it produced.
func RecordLinkRequest(endpoint string, texts, links int) {
	linkRequestOps.WithLabelValues(endpoint).Inc()
	linkTextOps.Add(float64(texts))
	linkCreationOps.Add(float64(links))
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordLoadDuration records how long it took to load a component
func RecordLoadDuration(component string, seconds float64) {
	loadDuration.WithLabelValues(component).Observe(seconds)
}

// SetKnowledgeBaseSize publishes the size of the loaded index.
func SetKnowledgeBaseSize(entries, aliases int) {
	knowledgeBaseEntries.Set(float64(entries))
	knowledgeBaseAliases.Set(float64(aliases))
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
