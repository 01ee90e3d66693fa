package contracts

import (
	"context"
	"errors"
	"fmt"
)

// StatusNoNetwork marks an APIError produced without a server response.
const StatusNoNetwork = 0

// APIError is the normalized failure returned by executors. Status 0 means
// no network or a transport failure and never collides with a server code.
type APIError struct {
	Status  int                 `json:"status"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Status == StatusNoNetwork {
		return "no network: " + e.Message
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// Transient reports whether retrying later may succeed.
func (e *APIError) Transient() bool {
	return e != nil && (e.Status == StatusNoNetwork || e.Status >= 500)
}

// ClientError reports a 4xx failure that call sites handle inline.
func (e *APIError) ClientError() bool {
	return e != nil && e.Status >= 400 && e.Status < 500
}

// NewOfflineError synthesizes the status-0 error used when an action cannot
// run without a connection.
func NewOfflineError(message string) *APIError {
	if message == "" {
		message = "no network connection"
	}
	return &APIError{Status: StatusNoNetwork, Message: message}
}

// AsAPIError normalizes any executor error. Errors that are not already an
// APIError are treated as transport failures.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Status: StatusNoNetwork, Message: "request timed out"}
	}
	return &APIError{Status: StatusNoNetwork, Message: err.Error()}
}
