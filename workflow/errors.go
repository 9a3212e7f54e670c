package workflow

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy for pipeline stages. The orchestrator classifies every
// stage-local error into exactly one of these; only unrecognized errors
// escalate to the Error state with full detail preserved.

// TransientExternalError marks collaborator failures worth retrying
// (timeouts, rate limits, 5xx). Retried with bounded exponential backoff at
// the stage boundary.
type TransientExternalError struct {
	Op  string
	Err error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("transient external error in %s: %v", e.Op, e.Err)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// PermanentExternalError marks collaborator failures that will not succeed
// on retry (malformed input, unsupported format, permanent rejection).
type PermanentExternalError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentExternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent external error in %s (%s): %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent external error in %s (%s)", e.Op, e.Reason)
}

func (e *PermanentExternalError) Unwrap() error { return e.Err }

// DataIntegrityError marks invariant violations in stored data, e.g. an
// ambiguous contract match. These surface as discrepancies; the pipeline
// continues.
type DataIntegrityError struct {
	Detail string
}

func (e *DataIntegrityError) Error() string {
	return "data integrity error: " + e.Detail
}

// ErrPipelineRunning is the ConcurrencyConflict of the taxonomy: a second
// trigger for an invoice whose pipeline is already in flight. Rejected at
// submission, never queued.
var ErrPipelineRunning = errors.New("a pipeline for this invoice is already running")

// ErrSuperseded is raised at a stage boundary when the invoice was marked
// obsolete mid-pipeline.
var ErrSuperseded = errors.New("invoice superseded")

func IsTransient(err error) bool {
	var te *TransientExternalError
	if errors.As(err, &te) {
		return true
	}
	// Collaborator call deadlines count as transient per retry policy.
	return errors.Is(err, context.DeadlineExceeded)
}

func IsPermanent(err error) bool {
	var pe *PermanentExternalError
	return errors.As(err, &pe)
}
