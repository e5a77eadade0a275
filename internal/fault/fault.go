// Package fault holds the pipeline error taxonomy. None of these errors is
// fatal: each one degrades the overlay and the pipeline keeps recovering.
package fault

import (
	"errors"
	"fmt"
)

type CaptureError struct {
	Region string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Region, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return fmt.Sprintf("inference: %v", e.Err) }

func (e *InferenceError) Unwrap() error { return e.Err }

type AnalysisError struct {
	Generation uint64
	Err        error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis gen=%d: %v", e.Generation, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// AmbiguousStateError reports that the reconciler could not settle within
// its frame budget. Callers treat it as "no change".
type AmbiguousStateError struct {
	Frames int
}

func (e *AmbiguousStateError) Error() string {
	return fmt.Sprintf("board state unsettled after %d frames", e.Frames)
}

// Kind names the taxonomy bucket of err, or "" when err is not a pipeline error.
func Kind(err error) string {
	var (
		ce *CaptureError
		ie *InferenceError
		ae *AnalysisError
		se *AmbiguousStateError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "capture"
	case errors.As(err, &ie):
		return "inference"
	case errors.As(err, &ae):
		return "analysis"
	case errors.As(err, &se):
		return "ambiguous"
	default:
		return ""
	}
}

func IsCapture(err error) bool {
	var ce *CaptureError
	return errors.As(err, &ce)
}

func IsInference(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}

func IsAnalysis(err error) bool {
	var ae *AnalysisError
	return errors.As(err, &ae)
}

func IsAmbiguous(err error) bool {
	var se *AmbiguousStateError
	return errors.As(err, &se)
}
