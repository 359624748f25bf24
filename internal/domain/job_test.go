package domain_test

import (
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
)

func TestValidateJobTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    domain.JobStatus
		to      domain.JobStatus
		wantErr bool
	}{
		{"claim", domain.JobStatusPending, domain.JobStatusDispatched, false},
		{"complete", domain.JobStatusDispatched, domain.JobStatusCompleted, false},
		{"fail", domain.JobStatusDispatched, domain.JobStatusFailed, false},
		{"retry", domain.JobStatusDispatched, domain.JobStatusPending, false},
		{"reclaim", domain.JobStatusDispatched, domain.JobStatusDispatched, false},
		{"pending cannot complete", domain.JobStatusPending, domain.JobStatusCompleted, true},
		{"completed is terminal", domain.JobStatusCompleted, domain.JobStatusPending, true},
		{"failed is terminal", domain.JobStatusFailed, domain.JobStatusDispatched, true},
		{"unknown source", domain.JobStatus("bogus"), domain.JobStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := domain.ValidateJobTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJobTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestCategoryJob_IsReady(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		job  domain.CategoryJob
		want bool
	}{
		{"pending now", domain.CategoryJob{Status: domain.JobStatusPending, NotBefore: now}, true},
		{"pending backoff", domain.CategoryJob{Status: domain.JobStatusPending, NotBefore: future}, false},
		{"dispatched live lease", domain.CategoryJob{Status: domain.JobStatusDispatched, LeaseExpiresAt: &future}, false},
		{"dispatched expired lease", domain.CategoryJob{Status: domain.JobStatusDispatched, LeaseExpiresAt: &past}, true},
		{"completed", domain.CategoryJob{Status: domain.JobStatusCompleted}, false},
	}

	for _, tt := range tests {
		if got := tt.job.IsReady(now); got != tt.want {
			t.Errorf("%s: IsReady() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAutomationRule_Helpers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rule := domain.AutomationRule{
		Categories: []string{"electronics", "computers"},
		IsActive:   true,
		NextRunAt:  now,
	}

	if got := rule.PrimaryCategory(); got != "electronics" {
		t.Errorf("PrimaryCategory() = %q, want electronics", got)
	}
	if !rule.HasCategory("computers") || rule.HasCategory("toys") {
		t.Error("HasCategory mismatch")
	}
	if !rule.IsDue(now) {
		t.Error("rule with nextRunAt == now should be due")
	}
	if rule.RunInterval() != 6*time.Hour {
		t.Errorf("RunInterval() = %v, want 6h default", rule.RunInterval())
	}

	rule.IsActive = false
	if rule.IsDue(now) {
		t.Error("inactive rule should not be due")
	}

	empty := domain.AutomationRule{}
	if empty.PrimaryCategory() != "" {
		t.Error("rule without categories should have no primary category")
	}
}
