package model

// API error codes returned in the JSON error envelope.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON error envelope for all endpoints.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Ingress status values for the webhook response.
const (
	IngressAccepted  = "accepted"
	IngressDuplicate = "duplicate"
	IngressIgnored   = "ignored"
)

// IngressResponse is returned by both webhook endpoints.
type IngressResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}
