// Package relay dispatches recorded protective actions to the cross-chain
// alert relay.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

// ErrNotConfigured is returned when the relay endpoint is not set.
var ErrNotConfigured = errors.New("relay client not configured")

// Client handles communication with the relay.
type Client struct {
	endpoint     string
	apiKey       string
	destinations []uint64
	httpClient   *http.Client
	log          *logrus.Logger
}

// Config for the relay client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// Destinations are the chain selectors an alert is propagated to.
	Destinations []uint64
}

// NewClient creates a relay client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		endpoint:     cfg.Endpoint,
		apiKey:       cfg.APIKey,
		destinations: append([]uint64(nil), cfg.Destinations...),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		log:          log,
	}
}

// Alert is the payload propagated to other chains.
type Alert struct {
	ReportID     string         `json:"reportId"`
	Protocol     string         `json:"protocol"`
	Action       types.Action   `json:"action"`
	Severity     types.Severity `json:"severity"`
	Confidence   uint64         `json:"confidence"`
	Timestamp    uint64         `json:"timestamp"`
	Destinations []uint64       `json:"destinations"`
}

// AlertFromReport builds the relay payload for a recorded report.
func (c *Client) AlertFromReport(r *types.ThreatReport) *Alert {
	return &Alert{
		ReportID:     r.ReportID.Hex(),
		Protocol:     r.TargetProtocol.Hex(),
		Action:       r.Action,
		Severity:     r.Severity,
		Confidence:   r.ConfidenceScore,
		Timestamp:    r.Timestamp,
		Destinations: append([]uint64{}, c.destinations...),
	}
}

// ShouldRelay reports whether a recorded report must leave the chain it was
// raised on.
func ShouldRelay(r *types.ThreatReport) bool {
	switch {
	case r == nil:
		return false
	case r.Action == types.ActionPause, r.Action == types.ActionDrainBlock:
		return true
	}
	return r.Severity == types.SeverityCritical
}

// Dispatch sends alert to the relay.
func (c *Client) Dispatch(ctx context.Context, alert *Alert) error {
	if c.endpoint == "" {
		return ErrNotConfigured
	}
	url := fmt.Sprintf("%s/api/v1/alerts", c.endpoint)
	return c.sendJSON(ctx, url, alert)
}

func (c *Client) sendJSON(ctx context.Context, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}
	req.Header.Set("User-Agent", version.UserAgent("relay"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	c.log.WithFields(logrus.Fields{
		"url":    url,
		"status": resp.StatusCode,
	}).Debug("Alert relayed")
	return nil
}

// HealthCheck checks that the relay is reachable.
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
