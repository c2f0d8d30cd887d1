// SPDX-License-Identifier: LGPL-3.0-or-later

// Package legacy implements the migration compatibility window: a set
// of deprecated endpoints that keep serving with a Deprecation header
// until a configured cutoff, after which they return 410 Gone.
package legacy

import (
	"net/http"
	"time"

	"github.com/cc4me/agentmesh/internal/logger"
)

// Window gates deprecated endpoints by a single cutoff time.
type Window struct {
	Cutoff time.Time
	Log    logger.Logger
}

// Wrap serves handler with a Deprecation header before Cutoff, and
// 410 Gone at or after it. Every hit is logged as a warning so
// operators can see how much traffic still depends on the retired
// path before it's cut off. now is read fresh on each request (rather
// than captured once) so the window's behavior changes the instant
// Cutoff passes.
func (w Window) Wrap(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		now := time.Now()
		retired := !now.Before(w.Cutoff)
		if w.Log != nil {
			w.Log.Warn("legacy endpoint hit",
				logger.String("path", r.URL.Path),
				logger.Bool("retired", retired),
			)
		}
		if retired {
			http.Error(rw, "this endpoint has been retired", http.StatusGone)
			return
		}
		rw.Header().Set("Deprecation", "true")
		handler.ServeHTTP(rw, r)
	})
}
