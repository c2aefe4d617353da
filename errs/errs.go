// Package errs defines the semantic error kinds shared across the
// pipeline (spec §7) and the coarse categories the connection-status
// stream reports to UI consumers.
package errs

import "errors"

// Sentinel errors for the kinds named in spec §7. Components wrap these
// with fmt.Errorf("...: %w", ErrX) to attach context.
var (
	ErrBind             = errors.New("bind")
	ErrResolve          = errors.New("resolve")
	ErrTimeout          = errors.New("timeout")
	ErrAuthExpired      = errors.New("auth expired")
	ErrDecode           = errors.New("decode error")
	ErrFieldTooLong     = errors.New("field too long")
	ErrOverflow         = errors.New("display sync overflow")
	ErrGhost            = errors.New("ghost inflight recovery")
	ErrServerReported   = errors.New("server reported failure")
	ErrConsensusDropped = errors.New("consensus class dropped")
)

// Category is one of the coarse, UI-facing error buckets spec §7 names.
type Category string

const (
	CategoryServerDown Category = "Server Down"
	CategoryNoInternet Category = "No Internet"
	CategoryAppError   Category = "App Error"
)

// Classify maps a raw transport/session error into the UI-facing bucket.
func Classify(err error) Category {
	switch {
	case errors.Is(err, ErrBind), errors.Is(err, ErrResolve):
		return CategoryNoInternet
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrGhost):
		return CategoryServerDown
	default:
		return CategoryAppError
	}
}
