package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("job queue already started")
	// ErrShuttingDown resolves jobs that were interrupted by Shutdown.
	ErrShuttingDown = errors.New("job queue shutting down")
	// ErrInvalidData is returned by Add when ParseData rejects the payload.
	ErrInvalidData = errors.New("invalid job data")
)

// ParseError means a persisted payload no longer matches its queue's
// schema. It is never retried.
type ParseError struct {
	QueueType string
	JobID     string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s job %s: failed to parse job data, was unexpected data loaded from the database? %v",
		e.QueueType, e.JobID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// JobError is the completion error of a job that did not finish normally:
// it gave up after its last attempt or its data failed to parse.
type JobError struct {
	QueueType string
	JobID     string
	Attempts  int
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %s failed after %d attempt(s): %v", e.QueueType, e.JobID, e.Attempts, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// errNeedsRetry stands in for the last error when Run asked for a retry
// without failing.
var errNeedsRetry = errors.New("job asked to be retried")
