package av

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by a pipeline operation matches exactly
// one of these with errors.Is.
var (
	ErrOpenFailure      = errors.New("open failure")
	ErrStreamDiscovery  = errors.New("stream discovery failure")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrDecodeFailure    = errors.New("decode failure")
	ErrEncodeFailure    = errors.New("encode failure")
	ErrIOFailure        = errors.New("io failure")
)

// Status codes returned across the host boundary.
const (
	StatusOK               = 0
	StatusOpenFailure      = -1
	StatusStreamDiscovery  = -2
	StatusUnsupportedCodec = -3
	StatusDecodeFailure    = -4
	StatusEncodeFailure    = -5
	StatusIOFailure        = -6
	StatusUnknownFailure   = -100
)

// StageError records the pipeline stage that failed.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail builds a StageError. If err already carries a failure kind, that kind
// wins over kind so the innermost classification survives wrapping.
func Fail(stage string, kind error, err error) error {
	if k := KindOf(err); k != nil {
		kind = k
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// Failf is Fail with a formatted cause.
func Failf(stage string, kind error, format string, args ...any) error {
	return &StageError{Stage: stage, Kind: kind, Err: fmt.Errorf(format, args...)}
}

var kinds = []error{
	ErrOpenFailure,
	ErrStreamDiscovery,
	ErrUnsupportedCodec,
	ErrDecodeFailure,
	ErrEncodeFailure,
	ErrIOFailure,
}

// KindOf returns the failure kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// StageOf returns the outermost stage recorded in err, or "".
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// StatusCode maps an error to a host status code.
func StatusCode(err error) int {
	if err == nil {
		return StatusOK
	}
	switch KindOf(err) {
	case ErrOpenFailure:
		return StatusOpenFailure
	case ErrStreamDiscovery:
		return StatusStreamDiscovery
	case ErrUnsupportedCodec:
		return StatusUnsupportedCodec
	case ErrDecodeFailure:
		return StatusDecodeFailure
	case ErrEncodeFailure:
		return StatusEncodeFailure
	case ErrIOFailure:
		return StatusIOFailure
	default:
		return StatusUnknownFailure
	}
}
