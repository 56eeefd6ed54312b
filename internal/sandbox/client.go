// Package sandbox talks to the sandbox runtime that hosts agent
// processes. All remediation actions land here.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
)

type State struct {
	ID     string `json:"id"`
	Status string `json:"status"` // running, paused, stopped, crashed
	Uptime int64  `json:"uptime_seconds"`
}

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Client is the narrow contract the control plane needs from the
// runtime. Output streaming arrives over the event fabric, not here.
type Client interface {
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Restart(ctx context.Context, sandboxID string) error
	Exec(ctx context.Context, sandboxID, command string) (*ExecResult, error)
	Prompt(ctx context.Context, sandboxID, message string) error
	GetState(ctx context.Context, sandboxID string) (*State, error)
}

// HTTPClient calls the runtime's admin API. Requests are retried with
// exponential backoff up to a bounded attempt count; a circuit breaker
// sheds load while the runtime is down so action dispatch fails fast
// instead of piling up goroutines.
type HTTPClient struct {
	baseURL     string
	token       string
	maxAttempts int
	httpClient  *http.Client
	cb          *gobreaker.CircuitBreaker
}

func NewHTTPClient(baseURL, token string, maxAttempts int) *HTTPClient {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &HTTPClient{
		baseURL:     baseURL,
		token:       token,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "sandbox-runtime",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}
}

func (c *HTTPClient) doReq(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		var out []byte
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(uint(c.maxAttempts)),
			retry.DelayType(retry.BackOffDelay),
		)
		retryErr := r.Do(func() error {
			var body io.Reader
			if payload != nil {
				data, err := json.Marshal(payload)
				if err != nil {
					return err
				}
				body = bytes.NewReader(data)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
			if err != nil {
				return err
			}
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("sandbox %s %s: %d %s", method, path, resp.StatusCode, string(data))
			}
			out = data
			return nil
		})
		return out, retryErr
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *HTTPClient) Start(ctx context.Context, sandboxID string) error {
	_, err := c.doReq(ctx, "POST", "/v1/sandboxes/"+sandboxID+"/start", nil)
	return err
}

func (c *HTTPClient) Stop(ctx context.Context, sandboxID string) error {
	_, err := c.doReq(ctx, "POST", "/v1/sandboxes/"+sandboxID+"/stop", nil)
	return err
}

func (c *HTTPClient) Restart(ctx context.Context, sandboxID string) error {
	_, err := c.doReq(ctx, "POST", "/v1/sandboxes/"+sandboxID+"/restart", nil)
	return err
}

func (c *HTTPClient) Exec(ctx context.Context, sandboxID, command string) (*ExecResult, error) {
	data, err := c.doReq(ctx, "POST", "/v1/sandboxes/"+sandboxID+"/exec", map[string]string{"command": command})
	if err != nil {
		return nil, err
	}
	var res ExecResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) Prompt(ctx context.Context, sandboxID, message string) error {
	_, err := c.doReq(ctx, "POST", "/v1/sandboxes/"+sandboxID+"/prompt", map[string]string{"message": message})
	return err
}

func (c *HTTPClient) GetState(ctx context.Context, sandboxID string) (*State, error) {
	data, err := c.doReq(ctx, "GET", "/v1/sandboxes/"+sandboxID, nil)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
