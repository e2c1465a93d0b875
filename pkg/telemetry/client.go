// Package telemetry fetches protocol telemetry frames from the monitoring
// backend.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

const maxFrameBytes = 4 << 20

// ErrNotConfigured is returned when no endpoint is set.
var ErrNotConfigured = errors.New("telemetry client not configured")

// Client reads telemetry frames.
type Client struct {
	endpoint    string
	apiKey      string
	maxAttempts int
	backoff     wait.Backoff
	httpClient  *http.Client
	log         *logrus.Logger
}

// Config for the telemetry client.
type Config struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     wait.Backoff
}

// NewClient creates a telemetry client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Backoff.Duration == 0 {
		cfg.Backoff = wait.Backoff{Duration: 500 * time.Millisecond, Factor: 2, Jitter: 0.1}
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         log,
	}
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

func retryable(err error) bool {
	var (
		se *StatusError
		de *decodeError
	)
	switch {
	case errors.As(err, &se):
		return se.Code >= 500
	case errors.As(err, &de):
		return false
	}
	return true
}

// Fetch returns the latest frame for protocol on chainID. Transport errors
// and 5xx responses are retried within the attempt budget; anything else
// fails at once.
func (c *Client) Fetch(ctx context.Context, protocol common.Address, chainID uint64) (*types.TelemetryFrame, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	q := url.Values{}
	q.Set("protocol", protocol.Hex())
	q.Set("chainId", strconv.FormatUint(chainID, 10))
	u := fmt.Sprintf("%s/api/v1/telemetry?%s", c.endpoint, q.Encode())

	backoff := c.backoff
	backoff.Steps = c.maxAttempts
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(backoff.Step())
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		frame, err := c.fetchOnce(ctx, u)
		if err == nil {
			return c.check(frame, protocol, chainID)
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"protocol": protocol.Hex(),
			"attempt":  attempt,
		}).Debug("Telemetry fetch failed")
	}
	return nil, fmt.Errorf("fetch telemetry for %s: %w", protocol.Hex(), lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, u string) (*types.TelemetryFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("telemetry"))
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	frame := &types.TelemetryFrame{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFrameBytes)).Decode(frame); err != nil {
		return nil, &decodeError{err: err}
	}
	return frame, nil
}

type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return "failed to decode telemetry frame: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) check(frame *types.TelemetryFrame, protocol common.Address, chainID uint64) (*types.TelemetryFrame, error) {
	if frame.Protocol == (common.Address{}) {
		frame.Protocol = protocol
	}
	if frame.ChainID == 0 {
		frame.ChainID = chainID
	}
	if frame.Protocol != protocol || frame.ChainID != chainID {
		return nil, fmt.Errorf("telemetry frame is for %s on chain %d, requested %s on chain %d",
			frame.Protocol.Hex(), frame.ChainID, protocol.Hex(), chainID)
	}
	return frame, nil
}

// HealthCheck checks that the backend is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.endpoint == "" {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}
