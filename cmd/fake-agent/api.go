// ABOUTME: HTTP client for the gateway's agent endpoints: enroll, ping, software and job reports
// ABOUTME: Job reports retry transient failures; 4xx answers other than 429 are final

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/enroll"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/gateway"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

var errUnauthorized = errors.New("agent token rejected")

// apiError is a non-2xx answer from the gateway.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("gateway returned %d", e.status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.status, e.message)
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status
	}
	return 0
}

type apiClient struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		retryDelay: 2 * time.Second,
	}
}

// wsURL is the agent websocket endpoint derived from the base URL.
func (c *apiClient) wsURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/api/agent/ws"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/api/agent/ws"
	}
	return c.baseURL + "/api/agent/ws"
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && c.token != "" {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &e)
		return &apiError{status: resp.StatusCode, message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// postWithRetry retries network errors, 5xx and 429.
func (c *apiClient) postWithRetry(ctx context.Context, path string, body, out any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.post(ctx, path, body, out)
		status := statusOf(err)
		retryable := err != nil && !errors.Is(err, errUnauthorized) &&
			(status == 0 || status >= 500 || status == http.StatusTooManyRequests)
		if !retryable || attempt >= c.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *apiClient) enroll(ctx context.Context, secret, deviceID string, f hostFacts) (*enroll.Result, error) {
	var res enroll.Result
	err := c.post(ctx, "/api/agent/enroll", enroll.Request{
		EnrollmentSecret: secret,
		DeviceID:         deviceID,
		Hostname:         f.hostname,
		OS:               f.osLabel(),
		Arch:             f.arch,
		Version:          version,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("enrolling: %w", err)
	}
	return &res, nil
}

func (c *apiClient) ping(ctx context.Context, f hostFacts) error {
	return c.post(ctx, "/api/agent/ping", gateway.PingRequest{
		Hostname: f.hostname,
		OS:       f.osLabel(),
		Arch:     f.arch,
		Version:  version,
	}, nil)
}

func (c *apiClient) reportSoftware(ctx context.Context, items []store.SoftwareItem) error {
	return c.post(ctx, "/api/agent/software", gateway.SoftwareRequest{Items: items}, nil)
}

func (c *apiClient) running(ctx context.Context, jobID string) error {
	return c.postWithRetry(ctx, "/api/agent/jobs/"+jobID+"/running", struct{}{}, nil)
}

func (c *apiClient) finish(ctx context.Context, jobID string, res scriptResult) error {
	durationMs := res.duration.Milliseconds()
	return c.postWithRetry(ctx, "/api/agent/jobs/"+jobID+"/finish", gateway.FinishRequest{
		Status:     res.status,
		ExitCode:   res.exitCode,
		Stdout:     res.stdout,
		Stderr:     res.stderr,
		DurationMs: &durationMs,
	}, nil)
}
