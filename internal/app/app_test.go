package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/config"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/retry"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	cfg.Provider.BaseURL = "http://provider.invalid"
	cfg.Limiter.LocalClock = true

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	a := &App{
		Config:   cfg,
		Logger:   logger.NewNop(),
		Registry: prometheus.NewRegistry(),
		db:       sqlx.NewDb(mockDB, "postgres"),
		redis:    client,
	}
	t.Cleanup(a.Close)
	require.NoError(t, a.build())
	return a
}

func TestBuild_WiresPipeline(t *testing.T) {
	a := newTestApp(t)

	require.NotNil(t, a.Service)
	require.NotNil(t, a.Queue)

	available, err := a.Limiter.Available(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, a.Config.Limiter.Capacity, available, 1e-9)
}

func TestHTTPServer_ServesHealth(t *testing.T) {
	a := newTestApp(t)
	router := a.HTTPServer().Router()

	tests := []struct {
		path string
		key  string
	}{
		{path: "/health", key: "status"},
		{path: "/api/v1/pipeline/health", key: "tokens_available"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body, tt.key)
		})
	}
}

func TestWithRetry_WaitsForBackingService(t *testing.T) {
	t.Parallel()

	a := &App{Logger: logger.NewNop()}
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "succeeds once the service accepts connections",
			failures:  []error{errors.New("dial tcp: connection refused"), errors.New("dial tcp: connection refused")},
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			failures:  []error{errors.New("i/o timeout"), errors.New("i/o timeout"), errors.New("i/o timeout")},
			wantCalls: 3,
			wantErr:   retry.ErrMaxAttemptsExceeded,
		},
		{
			name:      "does not retry a configuration error",
			failures:  []error{errors.New("password authentication failed")},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			err := a.withRetry(context.Background(), cfg, "postgres", func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case calls <= len(tt.failures):
				require.Error(t, err)
			default:
				require.NoError(t, err)
			}
		})
	}
}
