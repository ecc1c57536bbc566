package clip

import "strings"

// ErrorClass represents whether a download error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	if ec == ErrorClassFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifyDownloadError sorts clip download errors into retryable vs fatal.
//
// Fatal: the clip is gone or was never reachable (404, unavailable, deleted,
// forbidden). Retrying cannot help; the document goes straight to error.
//
// Retryable: network trouble, server errors, rate limiting, truncated
// responses. Unmatched errors are treated as retryable for safety.
func ClassifyDownloadError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())

	// Server-side trouble first, so "503" is not swallowed by broader checks.
	for _, p := range []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout", "429", "too many requests"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	for _, p := range []string{"404", "not found", "unavailable", "has been deleted", "403", "401", "forbidden", "access denied", "no source url"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}

	for _, p := range []string{"connection reset", "connection refused", "timeout", "timed out", "temporary failure", "no such host", "eof", "unexpected content length", "broken pipe"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool {
	return ClassifyDownloadError(err) == ErrorClassRetryable
}
