// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "netsync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current state of the sync state machine, see syncStateCode.
	SyncState metrics.Gauge
	// Height of the best header chain.
	HeaderHeight metrics.Gauge
	// Height of the block chain.
	BlockHeight metrics.Gauge
	// Number of blocks committed by block sync.
	SyncedBlocks metrics.Counter
	// Number of peers banned for misbehaving.
	BannedPeers metrics.Counter
	// Number of announced blocks reconstructed from the mempool.
	ReconciledBlocks metrics.Counter
	// Number of announced blocks that had to be fetched in full.
	ReconcileFallbacks metrics.Counter
	// Average latency of sync peers in seconds.
	PeerLatency metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		SyncState: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_state",
			Help:      "Current state of the sync state machine.",
		}, labels).With(labelsAndValues...),
		HeaderHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "header_height",
			Help:      "Height of the best header chain.",
		}, labels).With(labelsAndValues...),
		BlockHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_height",
			Help:      "Height of the block chain.",
		}, labels).With(labelsAndValues...),
		SyncedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "synced_blocks",
			Help:      "Number of blocks committed by block sync.",
		}, labels).With(labelsAndValues...),
		BannedPeers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "banned_peers",
			Help:      "Number of peers banned for misbehaving.",
		}, labels).With(labelsAndValues...),
		ReconciledBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reconciled_blocks",
			Help:      "Number of announced blocks reconstructed from the mempool.",
		}, labels).With(labelsAndValues...),
		ReconcileFallbacks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reconcile_fallbacks",
			Help:      "Number of announced blocks fetched in full.",
		}, labels).With(labelsAndValues...),
		PeerLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_latency_seconds",
			Help:      "Average latency of sync peers.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		SyncState:          discard.NewGauge(),
		HeaderHeight:       discard.NewGauge(),
		BlockHeight:        discard.NewGauge(),
		SyncedBlocks:       discard.NewCounter(),
		BannedPeers:        discard.NewCounter(),
		ReconciledBlocks:   discard.NewCounter(),
		ReconcileFallbacks: discard.NewCounter(),
		PeerLatency:        discard.NewHistogram(),
	}
}
