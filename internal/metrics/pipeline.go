// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent tracks direct and group sends by delivery path.
	MessagesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_sent_total",
			Help:      "Messages sent by delivery path",
		},
		[]string{"path"}, // direct, queued, group
	)

	// MessagesReceived tracks inbound messages by type.
	MessagesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_received_total",
			Help:      "Messages received by envelope type",
		},
		[]string{"type"},
	)

	// MessagesDropped tracks outbound messages dropped after a
	// non-retryable direct-delivery failure; receive-side rejections
	// are not counted here.
	MessagesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped on send by reason",
		},
		[]string{"reason"}, // duplicate, clock_skew, bad_signature, wrong_recipient
	)

	// RetryQueueDepth tracks current retry queue occupancy.
	RetryQueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retry_queue_depth",
			Help:      "Current number of entries in the retry queue",
		},
	)

	// DeliveryOutcomes tracks terminal delivery-status transitions.
	DeliveryOutcomes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "delivery_outcomes_total",
			Help:      "Terminal delivery outcomes by status",
		},
		[]string{"status"}, // delivered, expired, failed
	)

	// GroupFanoutDuration tracks group send fan-out latency.
	GroupFanoutDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "group_fanout_duration_seconds",
			Help:      "Time to deliver a group message to all members",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
