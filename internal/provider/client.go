// Package provider talks to the quota-limited catalog/price-history API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
)

const (
	defaultTimeout             = 30 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultRequestsPerSecond   = 1.0
	defaultBurst               = 1

	defaultMaxResponseBytes = 32 << 20

	categoryDealsPath = "/category/deals"
)

var (
	// ErrMissingBaseURL is returned when the client has nowhere to send requests.
	ErrMissingBaseURL = errors.New("provider base URL is required")
	// ErrResponseTooLarge is returned when a payload exceeds MaxResponseBytes.
	ErrResponseTooLarge = errors.New("provider response too large")
)

// Config configures the provider client.
type Config struct {
	BaseURL           string
	APIKey            string //nolint:gosec // provider credential
	Domain            int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   int
	BreakerTimeout    time.Duration
	// MaxResponseBytes bounds a single category payload; zero means 32 MiB.
	MaxResponseBytes int64
	// OnBreakerStateChange is called when the circuit changes state.
	OnBreakerStateChange func(from, to circuitbreaker.State)
}

// Client fetches raw category payloads. Requests are paced per process with
// a rate.Limiter; quota accounting across processes is the token bucket's job.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	domain     int
	httpClient *http.Client
	maxBody    int64
	pacer      *rate.Limiter
	breaker    *circuitbreaker.Breaker
	tracer     trace.Tracer
	logger     logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse provider base URL: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxBody := cfg.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxResponseBytes
	}

	transport := &http.Transport{
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
	}

	onChange := cfg.OnBreakerStateChange
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
		IsFailure:        countsAgainstBreaker,
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn("Provider circuit state changed",
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
			if onChange != nil {
				onChange(from, to)
			}
		},
	})

	return &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		domain:     cfg.Domain,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		maxBody:    maxBody,
		pacer:      rate.NewLimiter(rate.Limit(rps), burst),
		breaker:    breaker,
		tracer:     otel.Tracer("deal-automation/provider"),
		logger:     log,
	}, nil
}

// BreakerState returns the current circuit state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// FetchCategory performs one provider call for category and returns the
// raw response body.
func (c *Client) FetchCategory(ctx context.Context, category string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "provider.fetch_category",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("category", category)),
	)
	defer span.End()

	if err := c.pacer.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("wait for request slot: %w", err)
	}

	var body []byte
	err := c.breaker.Execute(func() error {
		var fetchErr error
		body, fetchErr = c.do(ctx, category)
		return fetchErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code, ok := StatusCode(err); ok {
			span.SetAttributes(attribute.Int("http.status_code", code))
		}
		return nil, fmt.Errorf("fetch category %s: %w", category, err)
	}

	span.SetAttributes(attribute.Int("response.bytes", len(body)))
	return body, nil
}

func (c *Client) do(ctx context.Context, category string) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path += categoryDealsPath
	query := endpoint.Query()
	query.Set("category", category)
	query.Set("key", c.apiKey)
	query.Set("domain", strconv.Itoa(c.domain))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if httpErr := parseHTTPError(resp); httpErr != nil {
		c.logger.Warn("Provider returned error status",
			logger.String("category", category),
			logger.Int("status_code", resp.StatusCode),
			logger.Duration("duration", time.Since(start)),
		)
		return nil, httpErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, c.maxBody)
	}

	c.logger.Debug("Provider call completed",
		logger.String("category", category),
		logger.Int("bytes", len(body)),
		logger.Duration("duration", time.Since(start)),
	)
	return body, nil
}
