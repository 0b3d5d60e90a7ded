// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared by every EntryStorage of a store; individual peers keep
// local counters and flush them here from the driver goroutine.
type Metrics struct {
	entryFetches *prometheus.CounterVec

	cacheBytes   prometheus.Gauge
	evictedBytes prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		entryFetches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raftkv_raft_entry_fetches_total",
			Help: "Total number of raft entry fetches, by outcome.",
		}, []string{"type"}),
		cacheBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raftkv_raft_entries_cache_bytes",
			Help: "Memory currently held by raft entry caches.",
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftkv_raft_entries_evicted_bytes_total",
			Help: "Total bytes freed by evicting entries from raft entry caches.",
		}),
	}
}
