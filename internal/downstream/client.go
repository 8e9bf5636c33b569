// Package downstream wraps the external identity-lookup API the gateway
// fronts. The gateway treats it as an opaque collaborator: one invoke call
// per tool execution, with failures classified as transient (refundable) or
// permanent (caller-attributable, credits stay charged).
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/alecgard/peage/internal/config"
)

// TransientError marks a server-side or connectivity failure. The dispatcher
// refunds the reservation and may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient downstream failure: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure attributable to the caller's input. Credits
// remain charged: the lookup was legitimately attempted.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("downstream rejected request (status %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client calls the identity-lookup backend over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cfg     config.DownstreamConfig
}

// NewClient creates a downstream client from configuration.
func NewClient(cfg config.DownstreamConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
	}
}

// Invoke performs one lookup call for the named tool. The returned payload is
// opaque to the gateway; errors are classified per the configured policy.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, &PermanentError{StatusCode: 0, Message: fmt.Sprintf("encoding arguments: %v", err)}
	}

	url := c.baseURL + "/tools/" + tool
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building downstream request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient: the lookup never
		// completed, so the caller is refunded.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading downstream response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		return json.RawMessage(payload), nil
	}

	if c.cfg.IsTransientStatus(resp.StatusCode) {
		return nil, &TransientError{Err: fmt.Errorf("downstream returned status %d", resp.StatusCode)}
	}
	return nil, &PermanentError{StatusCode: resp.StatusCode, Message: truncate(string(payload), 200)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
