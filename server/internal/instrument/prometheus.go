// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the relay's prometheus metrics.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumnet_received_packets_total",
			Help: "Number of packets received",
		},
	)
	// Drops are not broken down by cause.
	packetsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumnet_dropped_packets_total",
			Help: "Number of packets dropped",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumnet_forwarded_packets_total",
			Help: "Number of packets forwarded to the next hop",
		},
	)
	packetsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumnet_delivered_packets_total",
			Help: "Number of packets delivered locally",
		},
		[]string{"type"},
	)
	ingressQueueSize = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "quorumnet_ingress_queue_size",
			Help: "Size of the ingress queue",
		},
	)
	ceremonies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumnet_ceremonies_total",
			Help: "Number of threshold ceremonies by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	signatures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorumnet_signatures_total",
			Help: "Number of threshold signing requests by outcome",
		},
		[]string{"outcome"},
	)
	membershipChurn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumnet_membership_churn_total",
			Help: "Number of quorum members added by recomputation",
		},
	)
	circuitsRotated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorumnet_circuits_rotated_total",
			Help: "Number of circuits replaced at their rotation deadline",
		},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(packetsReceived)
		prometheus.MustRegister(packetsDropped)
		prometheus.MustRegister(packetsForwarded)
		prometheus.MustRegister(packetsDelivered)
		prometheus.MustRegister(ingressQueueSize)
		prometheus.MustRegister(ceremonies)
		prometheus.MustRegister(signatures)
		prometheus.MustRegister(membershipChurn)
		prometheus.MustRegister(circuitsRotated)
	})
}

// Handler returns the HTTP handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PacketsReceived increments the counter for received packets.
func PacketsReceived() {
	packetsReceived.Inc()
}

// PacketsDropped increments the counter for dropped packets.
func PacketsDropped() {
	packetsDropped.Inc()
}

// PacketsForwarded increments the counter for forwarded packets.
func PacketsForwarded() {
	packetsForwarded.Inc()
}

// PacketsDelivered increments the counter for locally delivered packets.
func PacketsDelivered(msgType string) {
	packetsDelivered.With(prometheus.Labels{"type": msgType}).Inc()
}

// IngressQueue observes the size of the ingress queue.
func IngressQueue(size int) {
	ingressQueueSize.Observe(float64(size))
}

// Ceremony counts a finished ceremony.
func Ceremony(kind, outcome string) {
	ceremonies.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
}

// Signature counts a finished signing request.
func Signature(outcome string) {
	signatures.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// MembershipChurn adds n to the membership churn counter.
func MembershipChurn(n int) {
	membershipChurn.Add(float64(n))
}

// CircuitRotated increments the circuit rotation counter.
func CircuitRotated() {
	circuitsRotated.Inc()
}
