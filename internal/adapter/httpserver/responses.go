// Package httpserver contains the HTTP handlers and middleware of the task
// orchestration API.
//
// Every response is wrapped in the {code, message, data} envelope the
// frontend expects; for errors the HTTP status mirrors the envelope code.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/talesofai/nietest/internal/domain"
)

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps a successful payload in the standard envelope.
func writeData(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: http.StatusOK, Message: message, Data: data})
}

// writeError maps domain sentinels to HTTP statuses in one place. Unknown
// errors become 500 without leaking wrapped internals beyond the message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSpecInvalid), errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", "Bearer")
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		LoggerFrom(r).Error("request failed", "error", err)
	}
	writeJSON(w, code, envelope{Code: code, Message: err.Error()})
}
