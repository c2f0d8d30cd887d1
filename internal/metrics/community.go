// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailoverTransitions tracks sticky primary->failover switches.
	FailoverTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "community",
			Name:      "failover_transitions_total",
			Help:      "Community relay connections that switched to their failover relay",
		},
		[]string{"community"},
	)

	// HeartbeatsSent tracks heartbeats emitted per community.
	HeartbeatsSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "community",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent to the relay by community",
		},
		[]string{"community"},
	)

	// KeyRotationsTotal tracks key rotation fan-out outcomes.
	KeyRotationsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "community",
			Name:      "key_rotations_total",
			Help:      "Key rotation fan-out attempts by outcome",
		},
		[]string{"outcome"}, // success, partial, failed
	)
)
