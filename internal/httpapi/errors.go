package httpapi

import (
	"encoding/json"
	"net/http"

	"minima/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Code: status})
}

// StatusCode maps a bridge error kind to the HTTP status an ops client
// should see for it.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch types.KindOf(err) {
	case types.KindModelNotFound:
		return http.StatusNotFound
	case types.KindModelNotLoaded:
		return http.StatusServiceUnavailable
	case types.KindContextBusy:
		return http.StatusTooManyRequests
	case types.KindEmptyInput, types.KindEmbeddingDimensionMismatch, types.KindModelFormatInvalid:
		return http.StatusBadRequest
	case types.KindContextFull:
		return http.StatusRequestEntityTooLarge
	case types.KindModelIncompatible:
		return http.StatusUnprocessableEntity
	case types.KindResourceExhausted:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}
