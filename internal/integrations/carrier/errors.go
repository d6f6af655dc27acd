package carrier

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientError covers network failures, timeouts, 429 and 5xx answers.
// Retrying later may succeed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("carrier transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means the carrier rejected the request itself (invalid tracking
// number, unknown shipment). Retrying cannot succeed.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("carrier permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was classified as permanent by the carrier client.
// Unclassified errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ClassifyHTTPStatus maps a non-2xx carrier answer onto the error taxonomy.
func ClassifyHTTPStatus(code int, err error) error {
	switch {
	case code == 429, code == 408, code >= 500:
		return Transient(err)
	case code == 400, code == 404, code == 410, code == 422:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
