package profiling_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/profiling"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("ENABLE_PROFILING", "")
	t.Setenv("PPROF_PORT", "")
	t.Setenv("ENABLE_CONTINUOUS_PROFILING", "")

	cfg := profiling.FromEnv("1.0.0")
	assert.False(t, cfg.Pprof)
	assert.False(t, cfg.Pyroscope)
	assert.Equal(t, "6060", cfg.PprofPort)
	assert.Equal(t, "development", cfg.Environment)
}

func TestStart_DisabledIsNoop(t *testing.T) {
	p, err := profiling.Start("deal-automation", profiling.Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Stop())

	var nilProfiler *profiling.Profiler
	assert.NoError(t, nilProfiler.Stop())
}
