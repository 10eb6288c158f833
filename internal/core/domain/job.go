package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobExecution is the idempotency record for one (IdempotencyKey, JobClass).
type JobExecution struct {
	ID             string          `db:"id"`
	IdempotencyKey string          `db:"idempotency_key"`
	JobClass       string          `db:"job_class"`
	Status         JobStatus       `db:"status"`
	AttemptNumber  int             `db:"attempt_number"`
	Result         json.RawMessage `db:"result"`
	ErrorMessage   string          `db:"error_message"`
	StartedAt      *time.Time      `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
	FailedAt       *time.Time      `db:"failed_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func NewJobExecution(key, jobClass string) *JobExecution {
	now := time.Now().UTC()
	return &JobExecution{
		ID:             NewID(PrefixJob),
		IdempotencyKey: key,
		JobClass:       jobClass,
		Status:         JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Exhausted reports whether a failed job has used up its attempts.
func (j JobExecution) Exhausted(maxAttempts int) bool {
	return j.Status == JobFailed && j.AttemptNumber >= maxAttempts
}

// Stale reports whether a processing job has not been touched for longer
// than staleAfter. Zero staleAfter disables takeover.
func (j JobExecution) Stale(now time.Time, staleAfter time.Duration) bool {
	if j.Status != JobProcessing || staleAfter <= 0 {
		return false
	}
	return now.Sub(j.UpdatedAt) > staleAfter
}

// OwnedBy reports whether the given attempt is still the one processing the
// job. A takeover or a completion by another worker ends ownership.
func (j JobExecution) OwnedBy(attempt int) bool {
	return j.Status == JobProcessing && j.AttemptNumber == attempt
}
