package domain

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a category job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusDispatched JobStatus = "dispatched"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var validJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusDispatched, // claimed by a worker
	},
	JobStatusDispatched: {
		JobStatusCompleted,  // provider call and matching finished
		JobStatusFailed,     // terminal failure or retries exhausted
		JobStatusPending,    // retry scheduled with backoff
		JobStatusDispatched, // lease expired and reclaimed
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateJobTransition returns an error when from -> to is not allowed.
func ValidateJobTransition(from, to JobStatus) error {
	allowed, ok := validJobTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition from %s to %s", from, to)
}

// CategoryJob is one batched provider call covering every rule bound to a
// category at claim time.
type CategoryJob struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	RuleIDs        []int64    `json:"rule_ids"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         JobStatus  `json:"status"`
	Attempt        int        `json:"attempt"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NotBefore      time.Time  `json:"not_before"`
	EstimatedCost  int        `json:"estimated_cost"`
	WorkerID       string     `json:"worker_id,omitempty"`
	// ClaimToken identifies one claim; a reclaimed job gets a new token so
	// the previous holder can no longer finalize it.
	ClaimToken string `json:"-"`
	LastError  string `json:"last_error,omitempty"`
}

// LeaseExpired reports whether a dispatched job's claim has lapsed.
func (j *CategoryJob) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusDispatched &&
		j.LeaseExpiresAt != nil &&
		!j.LeaseExpiresAt.After(now)
}

// IsReady reports whether a worker may claim the job at now.
func (j *CategoryJob) IsReady(now time.Time) bool {
	switch j.Status {
	case JobStatusPending:
		return !j.NotBefore.After(now)
	case JobStatusDispatched:
		return j.LeaseExpired(now)
	default:
		return false
	}
}

// IsRetrying reports whether the job has failed at least once.
func (j *CategoryJob) IsRetrying() bool {
	return j.Attempt > 0
}

// EnqueueOutcome describes what Enqueue did with a batch of rules.
type EnqueueOutcome string

const (
	EnqueueCreated  EnqueueOutcome = "created"
	EnqueueMerged   EnqueueOutcome = "merged"
	EnqueueDeferred EnqueueOutcome = "deferred"
)
