package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents extraction API errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents relational store errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryQueue represents job queue errors
	CategoryQueue ErrorCategory = "queue"
	// CategoryNotification represents email delivery errors
	CategoryNotification ErrorCategory = "notification"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
)

// Error codes. The per-record codes double as error_details types in sync results.
const (
	CodeMapError            = "MAP_ERROR"
	CodeExtractionTimeout   = "EXTRACTION_TIMEOUT"
	CodeExtractionFailed    = "EXTRACTION_FAILED"
	CodeExtractionCancelled = "EXTRACTION_CANCELLED"
	CodeInsertError         = "INSERT_ERROR"
	CodeDistributionError   = "DISTRIBUTION_ERROR"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeQueueError          = "QUEUE_ERROR"
	CodeNotificationError   = "NOTIFICATION_ERROR"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeProviderRejected    = "PROVIDER_REJECTED"
	CodeProviderRateLimit   = "PROVIDER_RATE_LIMIT"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeConflict            = "CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
)

// ErrJobNotFound is returned by queue lookups for unknown or expired jobs
var ErrJobNotFound = stderrors.New("job not found")

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewMethodNotAllowedError creates a wrong-method error
func NewMethodNotAllowedError(method string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusMethodNotAllowed,
		Code:       CodeMethodNotAllowed,
		Message:    fmt.Sprintf("method %s not allowed", method),
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewQueueError creates a job queue error
func NewQueueError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeQueueError,
		Message:    fmt.Sprintf("queue error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Extraction Errors

// NewMapError creates a site discovery error; fatal for a sync pass
func NewMapError(siteURL string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeMapError,
		Message:    fmt.Sprintf("failed to map site %s", siteURL),
		Cause:      cause,
		Details: map[string]interface{}{
			"siteUrl": siteURL,
		},
	}
}

// NewExtractionTimeoutError creates an error for an extraction job that did not finish in time
func NewExtractionTimeoutError(jobID string, timeout time.Duration) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeExtractionTimeout,
		Message:    fmt.Sprintf("extraction job %s timed out after %s", jobID, timeout),
		Details: map[string]interface{}{
			"extractionJobId": jobID,
			"timeout":         timeout.String(),
		},
	}
}

// NewExtractionFailedError creates an error for an extraction job that ended failed or cancelled
func NewExtractionFailedError(jobID string, status string, reason string) *CategorizedError {
	code := CodeExtractionFailed
	if status == "cancelled" {
		code = CodeExtractionCancelled
	}
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       code,
		Message:    fmt.Sprintf("extraction job %s ended %s: %s", jobID, status, reason),
		Details: map[string]interface{}{
			"extractionJobId": jobID,
			"status":          status,
		},
	}
}

// NewProviderError creates an extraction API transport error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("data provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderRejectedError creates an error for a 4xx answer that retrying cannot fix
func NewProviderRejectedError(provider string, status int, body string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderRejected,
		Message:    fmt.Sprintf("%s rejected request with status %d: %s", provider, status, body),
		Details: map[string]interface{}{
			"provider":       provider,
			"upstreamStatus": status,
		},
	}
}

// NewProviderRateLimitError creates a provider rate limit error
func NewProviderRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeProviderRateLimit,
		Message:    fmt.Sprintf("data provider rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Persistence Errors

// NewInsertError creates a per-record campaign insert error
func NewInsertError(contractAddress string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInsertError,
		Message:    fmt.Sprintf("failed to insert campaign %s", contractAddress),
		Cause:      cause,
		Details: map[string]interface{}{
			"contractAddress": contractAddress,
		},
	}
}

// NewDistributionError creates a per-record distribution upsert error
func NewDistributionError(contractAddress string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDistributionError,
		Message:    fmt.Sprintf("failed to upsert distributions for %s", contractAddress),
		Cause:      cause,
		Details: map[string]interface{}{
			"contractAddress": contractAddress,
		},
	}
}

// NewNotificationError creates an email delivery error
func NewNotificationError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotification,
		StatusCode: http.StatusBadGateway,
		Code:       CodeNotificationError,
		Message:    "failed to send notification",
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	if stderrors.Is(err, ErrJobNotFound) {
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       CodeNotFound,
			Message:    err.Error(),
			Cause:      err,
		}
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err carries a CategorizedError with the given code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Code == code
	}
	return false
}

// CodeOf returns the code of a categorized error, or fallback
func CodeOf(err error, fallback string) string {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Code
	}
	return fallback
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider:
		return catErr.Code != CodeProviderRejected
	case CategoryDatabase, CategoryQueue:
		return true
	case CategorySystem:
		// Some system errors are retryable
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
