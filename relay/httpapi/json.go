// SPDX-License-Identifier: LGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cc4me/agentmesh/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("malformed request body: %v", err)
	}
	return nil
}
