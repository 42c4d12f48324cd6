package davsdk

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL      = errors.New("dav: server url missing")
	ErrInvalidServerURL = errors.New("dav: server url invalid")
	ErrNoRefreshToken   = errors.New("dav: refresh token missing")
)

// Error codes for the transport surface. Every operation fails with exactly
// one of these so the scheduler can classify retries without inspecting
// HTTP details.
const (
	CodeConnectionFailed = "E_CONNECTION_FAILED" // network unreachable, timeout
	CodeAuthFailed       = "E_AUTH_FAILED"       // credential rejected or refresh failed
	CodeNotFound         = "E_NOT_FOUND"         // resource absent on the server
	CodeConflict         = "E_CONFLICT"          // precondition failed or missing parent collection
	CodeQuotaExceeded    = "E_QUOTA_EXCEEDED"    // insufficient storage
	CodeServerError      = "E_SERVER_ERROR"      // 5xx-equivalent
)

// DavError is the typed error returned by all DavSDK operations.
type DavError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *DavError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("dav error: %s (%d) %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dav error: %s %s", e.Code, e.Message)
}

// IsTransient reports whether the failure is worth retrying with backoff.
func (e *DavError) IsTransient() bool {
	switch e.Code {
	case CodeConnectionFailed, CodeServerError:
		return true
	}
	// 423 Locked clears once the server releases the lock.
	return e.StatusCode == http.StatusLocked
}

// IsNotFound reports whether err is a DavError with CodeNotFound.
func IsNotFound(err error) bool {
	var de *DavError
	return errors.As(err, &de) && de.Code == CodeNotFound
}

// IsTransient reports whether err is a retryable transport failure.
// Non-DavError values are treated as terminal.
func IsTransient(err error) bool {
	var de *DavError
	return errors.As(err, &de) && de.IsTransient()
}

func isAuthRejected(status int) bool {
	return status == http.StatusUnauthorized
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeAuthFailed
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return CodeConflict
	case status == http.StatusInsufficientStorage:
		return CodeQuotaExceeded
	case status >= 500:
		return CodeServerError
	default:
		return CodeServerError
	}
}

// checkResponse maps a request error or non-success status to a DavError.
// ok lists the statuses the operation treats as success.
func checkResponse(resp *req.Response, requestErr error, operation string, ok ...int) error {
	if requestErr != nil {
		var de *DavError
		if errors.As(requestErr, &de) {
			return de
		}
		return &DavError{Code: CodeConnectionFailed, Message: fmt.Sprintf("%s: %v", operation, requestErr)}
	}

	for _, status := range ok {
		if resp.StatusCode == status {
			return nil
		}
	}

	return &DavError{
		Code:       codeForStatus(resp.StatusCode),
		Message:    fmt.Sprintf("%s: %s", operation, resp.Status),
		StatusCode: resp.StatusCode,
	}
}
