// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "agentmesh"

// Registry is the collector registry used by every metric in this
// package. A dedicated registry (rather than prometheus.DefaultRegisterer)
// keeps test runs that construct multiple relays from colliding.
var Registry = prometheus.NewRegistry()
