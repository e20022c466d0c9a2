package binance

import (
	"errors"
	"fmt"
)

// ErrVenueUnavailable is returned (wrapped) after transient-error retries are
// exhausted. The last underlying cause appears in the error message; it is
// not part of the unwrap chain.
var ErrVenueUnavailable = errors.New("venue unavailable")

// Venue error codes the client special-cases.
const (
	codeRateLimit        = -1003
	codeUnknownOrder     = -2011
	codeWouldTrigger     = -2021 // trigger price already crossed
	codeMarginNoChange   = -4046
	codeLeverageNoChange = -4161
)

// APIError is a non-retryable venue rejection: validation failures, unknown
// orders, auth errors. Code and Message come from the venue response body.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d: %s (http %d)", e.Code, e.Message, e.HTTPStatus)
}

// IsUnknownOrder reports whether err is the venue's "order does not exist"
// rejection; cancel and query treat it as success/terminal.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder
}

// IsTriggerCrossed reports whether the venue rejected a conditional order
// because its trigger price was already breached at submission.
func IsTriggerCrossed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeWouldTrigger
}

// IsAuthError reports whether the venue rejected the request credentials.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case -2014, -2015, -1022: // bad API key format, invalid key/ip/permissions, bad signature
		return true
	}
	return apiErr.HTTPStatus == 401
}

func isNoChange(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.Code == codeMarginNoChange || apiErr.Code == codeLeverageNoChange)
}

func isRetryableStatus(status int, code int) bool {
	if status == 429 || status >= 500 {
		return true
	}
	return code == codeRateLimit
}
