package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/devicekey/server/internal/model"
)

// errorBody is the JSON error envelope: {"error": {"code": "...", "message": "..."}}
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidationFailed, model.KindInvalidAttributeSet:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict, model.KindDeviceLimitExceeded:
		return http.StatusConflict
	case model.KindExpired, model.KindInvalidSignature, model.KindInvalidToken,
		model.KindInvalidCode, model.KindRevalidationRequired:
		return http.StatusUnauthorized
	case model.KindGone:
		return http.StatusGone
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindTooManyAttempts:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON sends v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError sends err as the error envelope. Unclassified errors are logged
// with their cause and reported as a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := model.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
	}
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: string(kind), Message: model.MessageOf(err)}})
}

// respondWithError sends a JSON error with an explicit status and kind.
func respondWithError(w http.ResponseWriter, status int, kind model.ErrorKind, message string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: string(kind), Message: message}})
}
