package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors every provider maps its native failures onto. Callers
// branch with errors.Is and never inspect vendor-specific shapes.
var (
	// ErrQuotaExceeded means the vendor refused the request for pacing
	// reasons. The request did not consume quota and may be retried after
	// backing off.
	ErrQuotaExceeded = errors.New("vendor pacing quota exceeded")

	// ErrSymbolUnknown means the vendor has no security definition for the
	// symbol. Permanent; the symbol should be recorded as non-existent.
	ErrSymbolUnknown = errors.New("no security definition for symbol")

	// ErrRangeUnavailable means the symbol exists but the requested range
	// cannot be served (outside coverage, or not subscribed). Permanent for
	// this range.
	ErrRangeUnavailable = errors.New("requested range unavailable")

	// ErrVendorUnavailable means the vendor itself is down or refusing
	// service. Not retried within a task; the task fails.
	ErrVendorUnavailable = errors.New("vendor unavailable")
)

// TransportError wraps network-level failures: timeouts, resets, unreadable
// responses. Transient; callers retry with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ClassifyCode maps a vendor event code onto the taxonomy. Providers that
// surface numeric codes on an event channel call this; unknown codes come
// back as transport errors so the caller retries rather than gives up.
func ClassifyCode(code int, msg string) error {
	switch code {
	case 162:
		return fmt.Errorf("%w: code %d: %s", ErrQuotaExceeded, code, msg)
	case 200:
		return fmt.Errorf("%w: code %d: %s", ErrSymbolUnknown, code, msg)
	case 354:
		return fmt.Errorf("%w: code %d: %s", ErrRangeUnavailable, code, msg)
	case 1100:
		return fmt.Errorf("%w: code %d: %s", ErrVendorUnavailable, code, msg)
	default:
		return &TransportError{Op: "event", Err: fmt.Errorf("code %d: %s", code, msg)}
	}
}
