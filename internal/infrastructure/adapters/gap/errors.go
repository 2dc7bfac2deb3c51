package gap

import (
	"errors"
	"fmt"

	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
)

// ErrorResponse represents an indexer API error response
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("indexer API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
}

func (e *ErrorResponse) IsNotFound() bool {
	return e.StatusCode == 404
}

func (e *ErrorResponse) IsRateLimited() bool {
	return e.StatusCode == 429
}

// isClientError reports whether err is a 4xx other than rate limiting.
// These do not count against the circuit breaker.
func isClientError(err error) bool {
	var apiErr *ErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && !apiErr.IsRateLimited()
	}
	return false
}

// ErrProjectNotFound indicates the indexer has no project with the given uid
var ErrProjectNotFound = fmt.Errorf("project %w", apperrors.ErrNotFound)
