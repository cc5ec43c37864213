package server

import (
	"encoding/json"
	"net/http"

	"github.com/harun/codepipe/pkg/errkind"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind errkind.Kind) int {
	switch kind {
	case errkind.StageInputInvalid:
		return http.StatusUnprocessableEntity
	case errkind.SessionResolutionFailed:
		return http.StatusConflict
	case errkind.BackendUnavailable, errkind.BackendRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	_ = writeJSON(w, statusFor(kind), ErrorResponse{Error: err.Error(), ErrorKind: string(kind)})
}
