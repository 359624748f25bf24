package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/server"
)

const testSecret = "test-secret"

func newRouter(t *testing.T, checks map[string]server.HealthChecker, routes func(*gin.Engine)) *gin.Engine {
	t.Helper()

	b := server.NewServerBuilder("deal-automation", 0).WithLogger(logger.NewNop()).WithVersion("1.2.3")
	for name, check := range checks {
		b.WithHealthCheck(name, check)
	}
	return b.WithRoutes(routes).Build().Router()
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestID_GeneratedAndPreserved(t *testing.T) {
	t.Parallel()

	var seen string
	router := newRouter(t, nil, func(r *gin.Engine) {
		r.GET("/test", func(c *gin.Context) {
			seen = c.GetString("request_id")
			c.Status(http.StatusOK)
		})
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))
	assert.Len(t, w.Header().Get(server.RequestIDHeader), 32)
	assert.Equal(t, w.Header().Get(server.RequestIDHeader), seen)

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set(server.RequestIDHeader, "upstream-abc")
	w = serve(router, req)
	assert.Equal(t, "upstream-abc", w.Header().Get(server.RequestIDHeader))
	assert.Equal(t, "upstream-abc", seen)
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()

	router := newRouter(t, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/pipeline/health", http.NoBody)
	req.Header.Set("Origin", "https://dashboard.example")

	w := serve(router, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "43200", w.Header().Get("Access-Control-Max-Age"))
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	router := newRouter(t, nil, func(r *gin.Engine) {
		r.GET("/boom", func(*gin.Context) { panic("boom") })
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestHealth_AggregatesChecks(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name       string
		checks     map[string]server.HealthChecker
		wantStatus int
		wantHealth server.HealthStatus
	}{
		{
			name:       "all healthy",
			checks:     map[string]server.HealthChecker{"redis": server.PingChecker("Redis", true, ok)},
			wantStatus: http.StatusOK,
			wantHealth: server.HealthStatusHealthy,
		},
		{
			name: "optional dependency down",
			checks: map[string]server.HealthChecker{
				"redis":         server.PingChecker("Redis", true, ok),
				"elasticsearch": server.PingChecker("Elasticsearch", false, fail),
			},
			wantStatus: http.StatusOK,
			wantHealth: server.HealthStatusDegraded,
		},
		{
			name:       "critical dependency down",
			checks:     map[string]server.HealthChecker{"database": server.PingChecker("Database", true, fail)},
			wantStatus: http.StatusServiceUnavailable,
			wantHealth: server.HealthStatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := newRouter(t, tt.checks, nil)
			w := serve(router, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			assert.Equal(t, tt.wantStatus, w.Code)

			var body server.HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantHealth, body.Status)
			assert.Equal(t, "1.2.3", body.Version)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod) string {
	t.Helper()

	token := jwt.NewWithClaims(method, server.Claims{
		Sub: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTMiddleware(t *testing.T) {
	t.Parallel()

	router := newRouter(t, nil, func(r *gin.Engine) {
		server.ProtectedGroup(r, "/admin", testSecret).GET("/ping", func(c *gin.Context) {
			claims, _ := server.GetClaims(c)
			c.String(http.StatusOK, claims.Sub)
		})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + signToken(t, "other", jwt.SigningMethodHS256), want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/admin/ping", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(router, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "admin", w.Body.String())
			}
		})
	}
}

func TestProtectedGroup_OpenWithoutSecret(t *testing.T) {
	t.Parallel()

	router := newRouter(t, nil, func(r *gin.Engine) {
		server.ProtectedGroup(r, "/admin", "").GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/admin/ping", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunWithGracefulShutdown_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := server.NewServerBuilder("deal-automation", 0).WithLogger(logger.NewNop()).Build()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.RunWithGracefulShutdown(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
