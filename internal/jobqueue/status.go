package jobqueue

// Result is what a job's Run reports back to the coordinator.
type Result int

const (
	// Done ends the job. The coordinator cannot tell whether the job
	// succeeded or decided to give up on its own; both delete the record.
	Done Result = iota
	// NeedsRetry asks for another attempt, subject to MaxAttempts.
	NeedsRetry
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case NeedsRetry:
		return "needs_retry"
	default:
		return "unknown"
	}
}

// Outcome is the coordinator's view of how an attempt ended. Completed,
// GivenUp and Dropped all delete the record; they are kept apart so logs
// can tell them apart.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeRescheduled
	OutcomeGivenUp
	// OutcomeDropped means the persisted data no longer parses.
	OutcomeDropped
	// OutcomeInterrupted means the queue stopped before the job finished;
	// the record stays for the next start.
	OutcomeInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRescheduled:
		return "rescheduled"
	case OutcomeGivenUp:
		return "given_up"
	case OutcomeDropped:
		return "dropped"
	case OutcomeInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome removed the record.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeGivenUp || o == OutcomeDropped
}
