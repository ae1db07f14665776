package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/campaign-sync/internal/errors"
	"github.com/campaign-sync/internal/logging"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondError maps err through the error taxonomy and writes it
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}

	message := catErr.Message
	if catErr.Cause != nil && catErr.StatusCode >= http.StatusInternalServerError {
		message = catErr.Error()
	}

	respondJSON(w, catErr.StatusCode, ErrorResponse{
		Success: false,
		Error:   message,
		Code:    catErr.Code,
		Details: catErr.Details,
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses an optional JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.NewInvalidParameterError("body", err.Error())
	}
	return nil
}
