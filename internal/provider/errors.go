package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/retry"
)

const (
	// minErrorStatusCode is the minimum HTTP status code considered an error
	minErrorStatusCode = 400
	maxErrorBodyBytes  = 4096
)

// HTTPError represents a provider error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	Message    string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP error (%d %s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, e.Status)
}

// parseHTTPError turns a non-2xx response into an *HTTPError. The provider
// reports failures as {"error": "..."}; anything else keeps the raw body.
func parseHTTPError(resp *http.Response) error {
	if resp.StatusCode < minErrorStatusCode {
		return nil
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    fmt.Sprintf("failed to read error response body: %v", err),
		}
	}

	bodyStr := string(bodyBytes)

	var jsonErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(bodyBytes, &jsonErr) == nil && (jsonErr.Error != "" || jsonErr.Message != "") {
		msg := jsonErr.Error
		if msg == "" {
			msg = jsonErr.Message
		}
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: bodyStr, Message: msg}
	}

	return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: bodyStr, Message: bodyStr}
}

// StatusCode extracts the HTTP status code from err if it wraps an *HTTPError.
func StatusCode(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

// IsRetryable reports whether a failed fetch is worth retrying: network
// errors, timeouts, HTTP 5xx and 429, and an open circuit are; other 4xx
// responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return true
	}

	if code, ok := StatusCode(err); ok {
		return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return retry.DefaultIsRetryable(err)
}

// countsAgainstBreaker keeps client mistakes (4xx other than 429) from
// opening the circuit.
func countsAgainstBreaker(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryable(err)
}
