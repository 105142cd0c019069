package worker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"ops-orchestrator/internal/config"
	"ops-orchestrator/internal/models"
	"ops-orchestrator/internal/registry"
)

func TestDecide(t *testing.T) {
	policy := DefaultRetryPolicy()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	by := "alice"
	cause := errors.New("SMTP timeout")

	cases := []struct {
		retryCount  int
		disposition Disposition
		annotation  string
	}{
		{0, DispositionRetry, "SMTP timeout (Retry 1/5 scheduled)"},
		{3, DispositionRetry, "SMTP timeout (Retry 4/5 scheduled)"},
		{4, DispositionRetry, "SMTP timeout (Retry 5/5 scheduled)"},
		{5, DispositionExhausted, "SMTP timeout (Max retries reached)"},
		{7, DispositionExhausted, "SMTP timeout (Max retries reached)"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("retryCount=%d", tc.retryCount), func(t *testing.T) {
			entry := models.QueueEntry{
				JobName:     "Send KPI",
				Action:      "sendKPI",
				Args:        models.Args{"site": "north"}.WithRetryCount(tc.retryCount),
				RequestedBy: &by,
			}
			d := policy.Decide(entry, cause, now)
			if d.Disposition != tc.disposition || d.Annotation != tc.annotation {
				t.Fatalf("decision = %+v", d)
			}
			if tc.disposition != DispositionRetry {
				if d.FollowUp != nil {
					t.Fatalf("terminal failure must not create a follow-up")
				}
				return
			}
			f := d.FollowUp
			if f == nil {
				t.Fatalf("missing follow-up")
			}
			if f.Action != "sendKPI" || f.JobName != "Send KPI" || f.RequestedBy != &by {
				t.Fatalf("follow-up = %+v", f)
			}
			if f.Args.RetryCount() != tc.retryCount+1 || f.Args["site"] != "north" {
				t.Fatalf("follow-up args = %v", f.Args)
			}
			if f.ScheduledFor == nil || !f.ScheduledFor.Equal(now.Add(10*time.Minute)) {
				t.Fatalf("scheduledFor = %v", f.ScheduledFor)
			}
			if entry.Args.RetryCount() != tc.retryCount {
				t.Fatalf("original args mutated")
			}
		})
	}
}

func TestDecidePermanent(t *testing.T) {
	d := DefaultRetryPolicy().Decide(models.QueueEntry{Action: "x"}, registry.Permanent(errors.New("HTTP 400")), time.Now())
	if d.Disposition != DispositionPermanent || d.FollowUp != nil {
		t.Fatalf("decision = %+v", d)
	}
	if d.Annotation != "HTTP 400 (Not retried: permanent failure)" {
		t.Fatalf("annotation = %q", d.Annotation)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.Config{MaxRetries: 2, RetryDelay: time.Minute})
	if p.MaxRetries != 2 || p.Delay != time.Minute {
		t.Fatalf("policy = %+v", p)
	}
	if p := RetryPolicyFromConfig(config.Config{MaxRetries: -1}); p != DefaultRetryPolicy() {
		t.Fatalf("negative retries should fall back to defaults, got %+v", p)
	}
}

func TestZeroMaxRetriesDisablesRetry(t *testing.T) {
	t.Setenv("QUEUE_MAX_RETRIES", "0")
	p := RetryPolicyFromConfig(config.Load())
	if p.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0", p.MaxRetries)
	}
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	d := p.Decide(models.QueueEntry{ID: 1, Action: "sendKPI", Args: models.Args{}}, errors.New("boom"), now)
	if d.FollowUp != nil || !strings.Contains(d.Annotation, "(Max retries reached)") {
		t.Fatalf("decision = %+v", d)
	}
}
