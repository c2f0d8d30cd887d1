// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayRequests tracks relay HTTP requests by route and outcome.
	RelayRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Total relay HTTP requests by route and status class",
		},
		[]string{"route", "status"},
	)

	// RelayRequestDuration tracks relay handler latency.
	RelayRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Relay HTTP handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// ContactRequestsTotal tracks contact-request lifecycle transitions.
	ContactRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "contact_requests_total",
			Help:      "Contact request transitions by outcome",
		},
		[]string{"outcome"}, // pending, accepted, denied
	)

	// BroadcastsSent tracks admin broadcasts by type.
	BroadcastsSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcasts_total",
			Help:      "Admin broadcasts emitted by type",
		},
		[]string{"type"},
	)

	// RateLimitRejections tracks requests rejected by the relay rate limiter.
	RateLimitRejections = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter by bucket",
		},
		[]string{"bucket"},
	)
)
