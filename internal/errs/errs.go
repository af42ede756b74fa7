// Package errs defines the typed error kinds shared across the backfiller.
package errs

import "errors"

// Sentinel kinds. Components wrap these with context via fmt.Errorf("...: %w", ErrX)
// so callers can still branch with errors.Is.
var (
	// ErrNotFound indicates the requested object/key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransport indicates a retryable I/O failure talking to an external system.
	ErrTransport = errors.New("transport error")
	// ErrDecode indicates a payload could not be parsed into its expected shape.
	ErrDecode = errors.New("decode error")
	// ErrMalformedBitmap indicates a compressed daily bitmap violates its encoding contract.
	ErrMalformedBitmap = errors.New("malformed bitmap")
	// ErrUnsupportedRule indicates a matching rule variant other than ActionAny.
	ErrUnsupportedRule = errors.New("unsupported matching rule")
	// ErrNothingToDo indicates a backfill run had no work (e.g. live tip already reached).
	ErrNothingToDo = errors.New("nothing to do")
	// ErrStartDateUnresolvable indicates the RPC probe for the start block's date exhausted its budget.
	ErrStartDateUnresolvable = errors.New("start date unresolvable")
	// ErrTailTooLong indicates the raw tail-scan interval exceeds the hard cap.
	ErrTailTooLong = errors.New("tail scan too long")
	// ErrListLimitExceeded indicates object-store pagination exceeded its request cap.
	ErrListLimitExceeded = errors.New("list request limit exceeded")
	// ErrStateConflict indicates a persisted state write lost a race it should not have.
	ErrStateConflict = errors.New("state conflict")
)
