package worker

import (
	"fmt"
	"time"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
	"ops-orchestrator/internal/store"
)

// Disposition says what happened to a failed entry.
type Disposition string

const (
	DispositionRetry     Disposition = "retry"
	DispositionExhausted Disposition = "exhausted"
	DispositionPermanent Disposition = "permanent"
)

// RetryPolicy re-enqueues failed entries a bounded number of times with a
// fixed delay. The attempt counter travels in args.retryCount.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Delay: 10 * time.Minute}
}

// RetryPolicyFromConfig honours MaxRetries of zero (no retries); only a
// negative value falls back to the default.
func RetryPolicyFromConfig(cfg config.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxRetries >= 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		p.Delay = cfg.RetryDelay
	}
	return p
}

// Decision is the outcome of applying the policy to one failure.
type Decision struct {
	Disposition Disposition
	Attempt     int
	Annotation  string
	FollowUp    *store.CreateEntryParams
}

// Decide computes the error annotation for the failed entry and, when a
// retry is due, the follow-up entry to insert.
func (p RetryPolicy) Decide(entry models.QueueEntry, cause error, now time.Time) Decision {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	current := entry.Args.RetryCount()

	if registry.IsPermanent(cause) {
		return Decision{
			Disposition: DispositionPermanent,
			Attempt:     current,
			Annotation:  msg + " (Not retried: permanent failure)",
		}
	}
	if current >= p.MaxRetries {
		return Decision{
			Disposition: DispositionExhausted,
			Attempt:     current,
			Annotation:  msg + " (Max retries reached)",
		}
	}

	next := current + 1
	at := now.Add(p.Delay)
	return Decision{
		Disposition: DispositionRetry,
		Attempt:     next,
		Annotation:  fmt.Sprintf("%s (Retry %d/%d scheduled)", msg, next, p.MaxRetries),
		FollowUp: &store.CreateEntryParams{
			JobName:      entry.JobName,
			Action:       entry.Action,
			Args:         entry.Args.WithRetryCount(next),
			RequestedBy:  entry.RequestedBy,
			ScheduledFor: &at,
			CreatedAt:    now,
		},
	}
}
