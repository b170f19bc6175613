package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// transientError marks an error as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// transientCodes are Salesforce REST error codes and transport failures
// that clear on their own. go-salesforce only surfaces them as text.
var transientCodes = []string{
	"request_limit_exceeded",
	"unable_to_lock_row",
	"server_unavailable",
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"status code: 429",
	"status code: 502",
	"status code: 503",
	"status code: 504",
}

// IsTransient reports whether err is worth retrying: explicitly marked
// errors, network timeouts, refused or reset connections and the Salesforce
// codes above.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, code := range transientCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
