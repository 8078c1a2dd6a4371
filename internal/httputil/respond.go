// Package httputil maps the commerce error taxonomy onto HTTP responses
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps the error taxonomy onto HTTP status codes and writes the
// error body, including correction details when present
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.KindValidation:
		status = http.StatusBadRequest
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindConflict:
		status = http.StatusConflict
	case types.KindExpired:
		status = http.StatusGone
	case types.KindAuth:
		status = http.StatusUnauthorized
	case types.KindInsufficientReputation, types.KindInsufficientStock:
		status = http.StatusUnprocessableEntity
	case types.KindTransient:
		status = http.StatusBadGateway
	}

	body := map[string]interface{}{"error": err.Error()}
	var cerr *types.CommerceError
	if errors.As(err, &cerr) {
		body["kind"] = cerr.Kind
		if len(cerr.Details) > 0 {
			body["details"] = cerr.Details
		}
	}
	WriteJSON(w, status, body)
}
