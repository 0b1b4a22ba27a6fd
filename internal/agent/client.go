// Package agent implements the workstation side of device admission control:
// an HTTP client for the decision server, the policy state machine applied to
// attach events, and the push listener that completes pending requests.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/usbgate/usbgate/internal/config"
)

// ErrServerUnreachable is returned after every retry attempt against the
// server has failed. Callers must treat it as a denial, never as permission.
var ErrServerUnreachable = errors.New("admission server unreachable")

// Decision values returned by the server's check endpoint.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionUnknown = "unknown"
)

// Client talks to the admission server's agent-facing endpoints. Every call
// retries up to the configured attempt count with a fixed delay between
// attempts; both network failures and non-2xx responses count as failed
// attempts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
}

// NewClient builds a Client from agent server configuration.
func NewClient(cfg *config.AgentServerConfig) *Client {
	transport := http.DefaultTransport
	if cfg.SkipTLSVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		baseURL: cfg.URL,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		attempts:   cfg.RetryAttempts,
		retryDelay: cfg.RetryDelay,
	}
}

type checkDeviceRequest struct {
	Username string `json:"username"`
	VID      string `json:"vid"`
	PID      string `json:"pid"`
	Serial   string `json:"serial"`
}

type checkDeviceResponse struct {
	Status string `json:"status"`
}

type createRequestRequest struct {
	Username   string `json:"username"`
	VID        string `json:"vid"`
	PID        string `json:"pid"`
	Serial     string `json:"serial"`
	DeviceInfo string `json:"device_info"`
}

type createRequestResponse struct {
	RequestID int64  `json:"request_id"`
	Status    string `json:"status"`
}

// CheckDevice asks the server whether the device is allowed for the user.
// Returns one of DecisionAllowed, DecisionDenied, DecisionUnknown, or
// ErrServerUnreachable once retries are exhausted.
func (c *Client) CheckDevice(ctx context.Context, username, vid, pid, serial string) (string, error) {
	body := checkDeviceRequest{Username: username, VID: vid, PID: pid, Serial: serial}

	var resp checkDeviceResponse
	if err := c.postWithRetry(ctx, "/api/devices/check", body, &resp); err != nil {
		return "", err
	}

	switch resp.Status {
	case DecisionAllowed, DecisionDenied, DecisionUnknown:
		return resp.Status, nil
	default:
		return "", fmt.Errorf("server returned unrecognized decision %q", resp.Status)
	}
}

// CreateRequest submits an approval request for an unknown device and returns
// the request id. The server is idempotent while a request is pending, so a
// repeat submission returns the existing id.
func (c *Client) CreateRequest(ctx context.Context, username, vid, pid, serial, deviceInfo string) (int64, error) {
	body := createRequestRequest{
		Username:   username,
		VID:        vid,
		PID:        pid,
		Serial:     serial,
		DeviceInfo: deviceInfo,
	}

	var resp createRequestResponse
	if err := c.postWithRetry(ctx, "/api/requests", body, &resp); err != nil {
		return 0, err
	}
	return resp.RequestID, nil
}

// postWithRetry POSTs the JSON body and decodes a 200 response into out. A
// failed attempt is retried after a fixed delay; the final failure is folded
// into ErrServerUnreachable with the last underlying error attached.
func (c *Client) postWithRetry(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.post(ctx, path, payload, out)
		if lastErr == nil {
			return nil
		}
		slog.Warn("server request failed",
			"path", path,
			"attempt", attempt,
			"max_attempts", c.attempts,
			"error", lastErr,
		)
	}
	return fmt.Errorf("%w: %w", ErrServerUnreachable, lastErr)
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
