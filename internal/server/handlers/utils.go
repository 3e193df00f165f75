// Package handlers provides shared response helper functions for HTTP handlers.
package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
)

// writeJSON serializes the provided value to JSON and writes it with the given
// status code. Encoding is performed into an intermediate buffer so that a
// failed encode never produces a partial response.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}

// respond writes v or, when encoding fails, an internal error.
func respond(adapter *errors.HTTPErrorAdapter, w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		adapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryInternal, "failed to encode response").Build())
	}
}

// caller returns the identity placed in the request context by the auth middleware.
func caller(r *http.Request) (identity.Identity, error) {
	id, err := identity.FromContext(r.Context())
	if err != nil {
		return identity.Identity{}, errors.AuthError("authentication required").Build()
	}
	return id, nil
}
