package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oakfield/driftctl/internal/apierr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response with an ad hoc code/message,
// for handler-local failures that never reach a domain service.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

// RespondAPIErr translates a domain *apierr.Error into the HTTP status its
// category maps to and writes the standard error envelope, carrying the
// stable machine-readable code alongside the message.
func RespondAPIErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		status = httpStatusForCategory(apiErr.Category)
		code = apiErr.Code
		message = apiErr.Message
	}

	Respond(w, status, ErrorResponse{Error: code, Message: message})
}

func httpStatusForCategory(c apierr.Category) int {
	switch c {
	case apierr.InvalidArgument:
		return http.StatusBadRequest
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Conflict:
		return http.StatusConflict
	case apierr.Forbidden:
		return http.StatusForbidden
	case apierr.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case apierr.Overloaded:
		return http.StatusTooManyRequests
	case apierr.BackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
