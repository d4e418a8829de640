package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"alertfeed/core"
	"alertfeed/util"

	"go.uber.org/zap"
)

const (
	// maxErrorMessageLength bounds error text returned to clients
	maxErrorMessageLength = 512

	// maxRequestBodySize bounds JSON request bodies (10k ids fit comfortably)
	maxRequestBodySize = 2 << 20

	// retryAfterSeconds is advertised with 503 responses
	retryAfterSeconds = "5"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

// sanitizeErrorMessage strips credentials and bounds the length before an
// error reaches a client.
func sanitizeErrorMessage(message string) string {
	message = util.Redact(message)
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError writes a JSON error response. Server-side failures are logged
// as errors, client mistakes only at debug level.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	requestID := GetRequestID(r.Context())
	if logger != nil {
		fields := []interface{}{"status_code", statusCode, "path", r.URL.Path, "request_id", requestID}
		if err != nil {
			fields = append(fields, "error", util.RedactError(err))
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Errorw(message, fields...)
		} else {
			logger.Debugw(message, fields...)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: sanitizeErrorMessage(message), RequestID: requestID})
}

// writeServiceError maps the core error taxonomy onto HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, err.Error(), nil, a.logger)
	case errors.Is(err, core.ErrNotAuthorized):
		if GetCaller(r.Context()).Authorized {
			writeError(w, r, http.StatusForbidden, "Insufficient role for this operation", nil, a.logger)
		} else {
			writeError(w, r, http.StatusUnauthorized, "Authentication required", nil, a.logger)
		}
	case errors.Is(err, core.ErrStoreUnavailable):
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, r, http.StatusServiceUnavailable, "Alert store temporarily unavailable", err, a.logger)
	default:
		writeError(w, r, http.StatusInternalServerError, "Internal server error", err, a.logger)
	}
}

// respondJSON writes data as a JSON response.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}

// decodeJSONBody decodes a JSON request body with a size limit
func (a *API) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	err := decoder.Decode(dst)
	if err != nil {
		var syntaxError *json.SyntaxError
		var unmarshalTypeError *json.UnmarshalTypeError
		var maxBytesError *http.MaxBytesError

		switch {
		case errors.As(err, &syntaxError):
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON syntax at byte offset %d", syntaxError.Offset), err, a.logger)
		case errors.As(err, &unmarshalTypeError):
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid type for field '%s'", unmarshalTypeError.Field), err, a.logger)
		case errors.As(err, &maxBytesError):
			writeError(w, r, http.StatusRequestEntityTooLarge, "Request body too large", err, a.logger)
		case strings.Contains(err.Error(), "unknown field"):
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("JSON contains %s", err.Error()), err, a.logger)
		default:
			writeError(w, r, http.StatusBadRequest, "Invalid JSON body", err, a.logger)
		}
		return err
	}
	return nil
}
