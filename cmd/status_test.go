package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/domain"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
)

func TestRenderHealth(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderHealth(&buf, domain.HealthSnapshot{TokensAvailable: 42.5, QueueDepth: 3}, &metrics.Stats{
		Totals: map[string]int64{metrics.RulesProcessed: 7},
		Today:  map[string]int64{metrics.RulesProcessed: 2},
	})

	out := buf.String()
	assert.Contains(t, out, "42.5")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "7 (today 2)")
}

func TestRenderJobs(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		renderJobs(&buf, nil)
		assert.Equal(t, "No pending jobs.\n", buf.String())
	})

	t.Run("pending", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		renderJobs(&buf, []*domain.CategoryJob{{
			ID:        "job-1",
			Category:  "Electronics",
			Status:    domain.JobStatusPending,
			RuleIDs:   []int64{1, 4},
			NotBefore: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		}})

		out := buf.String()
		assert.Contains(t, out, "Electronics")
		assert.Contains(t, out, "1,4")
		assert.Contains(t, out, "2026-03-02T12:00:00Z")
	})
}
