package orchestrator

import (
	"fmt"

	"transcribe-gate/internal/domain"
)

// isValidTransition enforces the allowed job state machine edges:
// INIT -> SEGMENTING -> LOCK_WAIT -> PROCESSING -> MERGING -> DONE, with
// FAILED reachable from any non-terminal state.
func isValidTransition(from, to domain.JobState) bool {
	if to == domain.StateFailed {
		return from != domain.StateDone
	}

	switch from {
	case domain.StateInit:
		return to == domain.StateSegmenting
	case domain.StateSegmenting:
		return to == domain.StateLockWait
	case domain.StateLockWait:
		return to == domain.StateProcessing
	case domain.StateProcessing:
		return to == domain.StateMerging
	case domain.StateMerging:
		return to == domain.StateDone
	default:
		return false
	}
}

// transition validates and applies one state machine edge.
func (o *Orchestrator) transition(job *domain.HeavyJob, from *domain.JobState, to domain.JobState) error {
	if !isValidTransition(*from, to) {
		return fmt.Errorf("invalid transition: %s -> %s", *from, to)
	}
	*from = to
	o.registry.SetState(job.JobID, to)
	return nil
}
