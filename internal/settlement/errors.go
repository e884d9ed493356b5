package settlement

import (
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/lib/pq"
)

// TransientError marks a failure worth retrying. Wrapping an error in it is
// how collaborators signal retryability explicitly instead of relying on
// string matching.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the engine's classifier treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Retryable reports whether the settlement engine should retry after err.
// Anything not recognized here is treated as permanent and propagates
// without another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03", // cannot_connect_now
			"53300": // too_many_connections
			return true
		}
		// Class 08 covers connection exceptions.
		if pqErr.Code.Class() == "08" {
			return true
		}
	}
	return false
}
