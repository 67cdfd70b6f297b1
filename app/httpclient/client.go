package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// retryableStatuses are the HTTP statuses worth retrying: timeouts,
// conflicts, rate limits, and upstream availability failures.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusConflict:            true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func IsRetryableStatus(status int) bool {
	return retryableStatuses[status]
}

// ConfigError marks a request that could never succeed: missing
// credentials or a malformed target. Callers must not retry these.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "httpclient config error: " + e.Reason
}

// RequestError carries the upstream status and body of a failed request.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("httpclient request failed: status=%d body=%s", e.Status, e.Body)
}

func (e *RequestError) Retryable() bool {
	return IsRetryableStatus(e.Status)
}

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// QuietStatuses suppresses failure logging for statuses the caller
	// expects (a 404 lookup miss). The error is still returned.
	QuietStatuses []int
}

func (r *Request) quietStatus(status int) bool {
	for _, quiet := range r.QuietStatuses {
		if status == quiet {
			return true
		}
	}
	return false
}

type Response struct {
	Status int
	Body   []byte
}

type Options struct {
	MaxAttempts    int
	BaseRetryDelay time.Duration
	AttemptTimeout time.Duration
	Logger         logrus.FieldLogger
}

type Client struct {
	http      *http.Client
	opts      Options
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = 250 * time.Millisecond
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}

	return &Client{
		http:      &http.Client{Timeout: opts.AttemptTimeout},
		opts:      opts,
		sleepFunc: sleepWithContext,
	}
}

// WithSleepFunc replaces the inter-attempt delay. Tests use this to
// record delays without waiting them out.
func (c *Client) WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) *Client {
	c.sleepFunc = sleep
	return c
}

// Do performs the request, retrying transient upstream failures with
// exponential backoff. A 204 response yields an empty body.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.URL == "" {
		return nil, &ConfigError{Reason: "request url is empty"}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.opts.BaseRetryDelay * time.Duration(1<<(attempt-2))
			if err := c.sleepFunc(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var reqErr *RequestError
		if !errors.As(err, &reqErr) || !reqErr.Retryable() {
			if c.opts.Logger != nil && errors.As(err, &reqErr) && !req.quietStatus(reqErr.Status) {
				c.opts.Logger.WithFields(logrus.Fields{
					"url":    req.URL,
					"status": reqErr.Status,
				}).Warn("upstream request failed")
			}
			return nil, err
		}
		if c.opts.Logger != nil && !req.quietStatus(reqErr.Status) {
			c.opts.Logger.WithFields(logrus.Fields{
				"url":     req.URL,
				"status":  reqErr.Status,
				"attempt": attempt,
			}).Warn("retryable upstream failure")
		}
	}

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Status: http.StatusServiceUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Status: resp.StatusCode, Body: err.Error()}
	}

	if resp.StatusCode == http.StatusNoContent {
		return &Response{Status: resp.StatusCode, Body: nil}, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Body: respBody}, nil
	}

	return nil, &RequestError{Status: resp.StatusCode, Body: string(respBody)}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
