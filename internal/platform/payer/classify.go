package payer

import (
	"context"
	"errors"
	"net/http"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// Classify converts a transport error or an HTTP status into an
// IntegrationError. Network errors, timeouts, 5xx, 408 and 429 are retryable.
// Other 4xx responses are not.
func Classify(service, endpoint string, status int, body string, err error) *apperror.IntegrationError {
	ie := &apperror.IntegrationError{
		Service:    service,
		Endpoint:   endpoint,
		StatusCode: status,
		Body:       body,
		Err:        err,
	}
	if err != nil {
		// Anything below the HTTP layer is transient unless the caller gave up.
		ie.Retryable = !errors.Is(err, context.Canceled)
		return ie
	}
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		ie.Retryable = true
	default:
		ie.Retryable = false
	}
	return ie
}

// CountsAgainstBreaker reports whether err signals an unhealthy integration.
// Rejections of a well-formed exchange (400, 404, 409, 422) do not count;
// authentication failures do, since every later call will fail the same way.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var ie *apperror.IntegrationError
	if errors.As(err, &ie) {
		if ie.Retryable {
			return true
		}
		return ie.StatusCode == http.StatusUnauthorized || ie.StatusCode == http.StatusForbidden
	}
	var (
		ve *apperror.ValidationError
		be *apperror.BusinessError
	)
	if errors.As(err, &ve) || errors.As(err, &be) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
