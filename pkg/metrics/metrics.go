// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for devlink backends.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for devlink.
type Metrics struct {
	// Lifecycle metrics
	ConnectAttempts *prometheus.CounterVec
	Events          *prometheus.CounterVec

	// Traffic metrics
	SendsTotal     *prometheus.CounterVec
	PayloadBytes   *prometheus.HistogramVec
	KeepalivePings *prometheus.CounterVec

	// Receive-path drop metrics. Dropped input never surfaces as an
	// event, so these counters are the only trace it leaves.
	ReceiveDrops *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "devlink"
	}

	return &Metrics{
		ConnectAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of backend connect attempts",
			},
			[]string{"backend", "status"},
		),
		Events: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of backend events emitted",
			},
			[]string{"backend", "event"},
		),
		SendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Total number of application sends",
			},
			[]string{"backend", "status"},
		),
		PayloadBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payload_bytes",
				Help:      "Application payload size in bytes",
				Buckets:   []float64{16, 64, 256, 1024, 4096, 16384},
			},
			[]string{"backend", "direction"},
		),
		KeepalivePings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_pings_total",
				Help:      "Total number of keep-alive probes sent",
			},
			[]string{"backend"},
		),
		ReceiveDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_drops_total",
				Help:      "Total number of dropped incoming messages",
			},
			[]string{"backend", "reason"},
		),
	}
}

// Drop reason labels.
const (
	DropTokenMismatch   = "token_mismatch"
	DropPayloadTooLarge = "payload_too_large"
	DropEmptyDatagram   = "empty_datagram"
	DropOversizedPacket = "oversized_packet"
	DropDecode          = "decode"
)
