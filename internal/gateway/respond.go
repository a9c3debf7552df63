// ABOUTME: JSON response helpers and the typed-error to HTTP status mapping
// ABOUTME: Every error leaves the API as {"error":{"kind":...,"message":...}}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/rig-gateway/internal/store"
)

// maxBodyBytes caps request bodies; SDP offers are the largest payloads.
const maxBodyBytes = 1 << 20

// kinded is implemented by every domain error type.
type kinded interface {
	ErrorKind() string
}

// kindStatus maps domain error kinds to HTTP statuses.
var kindStatus = map[string]int{
	"AlreadyQueued":       http.StatusConflict,
	"AlreadyActive":       http.StatusConflict,
	"SessionActive":       http.StatusConflict,
	"NotAtHead":           http.StatusConflict,
	"DeviceUnclaimed":     http.StatusConflict,
	"InsufficientCredits": http.StatusPaymentRequired,
	"DeviceOffline":       http.StatusServiceUnavailable,
	"DispatchFailed":      http.StatusServiceUnavailable,
	"NotQueued":           http.StatusNotFound,
	"NoActiveSession":     http.StatusNotFound,
	"DeviceNotFound":      http.StatusNotFound,
	"NotOwner":            http.StatusForbidden,
	"InvalidArgument":     http.StatusBadRequest,
	"InvalidPayload":      http.StatusBadRequest,
}

// errorBody is the wire form of an API error.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// classify resolves an error to a status and kind. Unknown errors are 500.
func classify(err error) (int, string) {
	var k kinded
	if errors.As(err, &k) {
		kind := k.ErrorKind()
		if status, ok := kindStatus[kind]; ok {
			return status, kind
		}
		return http.StatusInternalServerError, kind
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "Duplicate"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, store.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "InsufficientCredits"
	}
	return http.StatusInternalServerError, "Internal"
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a typed error. Internal errors are logged and their
// message is not exposed.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

// badRequest writes a 400 with kind InvalidArgument.
func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Kind:    "InvalidArgument",
		Message: fmt.Sprintf(format, args...),
	}})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
