// Package judgment adapts an external AI judgment service into sanitized
// ThreatAssessments, with bounded retries and a secondary-provider failover.
package judgment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

// SystemInstruction is the fixed instruction sent with every frame.
const SystemInstruction = "You are a DeFi protocol security analyst. Assess the telemetry frame for active exploits. " +
	"Respond only with a JSON object matching the supplied schema. Cite evidence using dot-paths into the telemetry frame."

const (
	defaultMaxRetries = 3
	maxResponseBytes  = 1 << 20
)

var (
	// ErrNotConfigured is returned when no primary endpoint is set.
	ErrNotConfigured = errors.New("judgment provider not configured")
	// ErrNonRetryable is returned on a 4xx provider response.
	ErrNonRetryable = errors.New("judgment provider rejected request")
	// ErrInvalidAssessment is returned when the payload does not match the assessment shape.
	ErrInvalidAssessment = errors.New("invalid threat assessment")
	// ErrProvidersExhausted is returned when every provider exhausted its retries.
	ErrProvidersExhausted = errors.New("judgment providers exhausted")
)

var attempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_judgment_attempts_total",
		Help: "Judgment provider HTTP attempts by provider and outcome",
	},
	[]string{"provider", "outcome"},
)

func init() {
	prometheus.MustRegister(attempts)
}

// ProviderConfig is one judgment endpoint with its own credentials.
type ProviderConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

func (p ProviderConfig) configured() bool {
	return p.Endpoint != ""
}

// Config for the judgment adapter.
type Config struct {
	Primary    ProviderConfig
	Secondary  ProviderConfig
	MaxRetries int
	// Backoff paces retries against one provider; Steps is ignored.
	Backoff wait.Backoff
}

type provider struct {
	cfg    ProviderConfig
	client *http.Client
}

// Adapter calls the judgment provider and sanitizes its answers.
type Adapter struct {
	cfg       Config
	providers []provider
	schema    *jsonschema.Schema
	log       *logrus.Logger
}

// NewAdapter creates an adapter. The secondary provider is optional.
func NewAdapter(cfg Config, log *logrus.Logger) (*Adapter, error) {
	if !cfg.Primary.configured() {
		return nil, ErrNotConfigured
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff.Duration == 0 {
		cfg.Backoff = wait.Backoff{Duration: 250 * time.Millisecond, Factor: 2, Jitter: 0.1, Cap: 5 * time.Second}
	}
	schema, err := compileAssessmentSchema()
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, schema: schema, log: log}
	for _, p := range []ProviderConfig{cfg.Primary, cfg.Secondary} {
		if !p.configured() {
			continue
		}
		if p.Timeout == 0 {
			p.Timeout = 30 * time.Second
		}
		if p.Name == "" {
			p.Name = p.Endpoint
		}
		a.providers = append(a.providers, provider{cfg: p, client: &http.Client{Timeout: p.Timeout}})
	}
	return a, nil
}

// Assess asks the providers for a ThreatAssessment of frame. It fails only
// after the primary and, if configured, the secondary are exhausted, or
// immediately on a 4xx response or an invalid payload.
func (a *Adapter) Assess(ctx context.Context, frame *types.TelemetryFrame) (types.ThreatAssessment, error) {
	var lastErr error
	for i, p := range a.providers {
		if i > 0 {
			a.log.WithError(lastErr).WithField("provider", p.cfg.Name).Warn("Primary judgment provider exhausted, failing over")
		}
		raw, err := a.invokeWithRetry(ctx, p, frame)
		if err == nil {
			return a.decode(raw)
		}
		if errors.Is(err, ErrNonRetryable) || ctx.Err() != nil {
			return types.ThreatAssessment{}, err
		}
		lastErr = err
	}
	return types.ThreatAssessment{}, fmt.Errorf("%w: %v", ErrProvidersExhausted, lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

func (a *Adapter) invokeWithRetry(ctx context.Context, p provider, frame *types.TelemetryFrame) ([]byte, error) {
	body, err := a.buildRequest(p.cfg, frame)
	if err != nil {
		return nil, err
	}
	backoff := a.cfg.Backoff
	backoff.Steps = math.MaxInt32
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, backoff.Step()); err != nil {
				return nil, err
			}
		}
		raw, err := a.send(ctx, p, body)
		if err == nil {
			attempts.WithLabelValues(p.cfg.Name, "success").Inc()
			return raw, nil
		}
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			attempts.WithLabelValues(p.cfg.Name, "rejected").Inc()
			return nil, fmt.Errorf("%w: provider %s: %v", ErrNonRetryable, p.cfg.Name, err)
		}
		attempts.WithLabelValues(p.cfg.Name, "transient").Inc()
		a.log.WithError(err).WithFields(logrus.Fields{
			"provider": p.cfg.Name,
			"attempt":  attempt,
			"max":      a.cfg.MaxRetries,
		}).Debug("Judgment provider attempt failed")
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("provider %s: %d attempts: %w", p.cfg.Name, a.cfg.MaxRetries, lastErr)
}

func (a *Adapter) buildRequest(p ProviderConfig, frame *types.TelemetryFrame) ([]byte, error) {
	payload := map[string]interface{}{
		"model":  p.Model,
		"system": SystemInstruction,
		"responseFormat": map[string]interface{}{
			"type":   "json_schema",
			"schema": json.RawMessage(assessmentSchema),
		},
		"telemetry": frame,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal judgment request: %w", err)
	}
	return data, nil
}

func (a *Adapter) send(ctx context.Context, p provider, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("judgment"))
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &statusError{code: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return raw, nil
}

func (a *Adapter) decode(raw []byte) (types.ThreatAssessment, error) {
	if err := validateAgainstSchema(a.schema, raw); err != nil {
		return types.ThreatAssessment{}, fmt.Errorf("%w: %v", ErrInvalidAssessment, err)
	}
	var out types.ThreatAssessment
	if err := json.Unmarshal(raw, &out); err != nil {
		return types.ThreatAssessment{}, fmt.Errorf("%w: %v", ErrInvalidAssessment, err)
	}
	return Sanitize(out), nil
}

// Sanitize clamps scores into [0,1] and drops citations that do not name a
// real telemetry field.
func Sanitize(in types.ThreatAssessment) types.ThreatAssessment {
	out := in
	out.OverallRiskScore = clamp01(in.OverallRiskScore)
	out.Threats = make([]types.ThreatEntry, len(in.Threats))
	for i, th := range in.Threats {
		th.Confidence = clamp01(th.Confidence)
		if th.EstimatedImpactUSD < 0 || math.IsNaN(th.EstimatedImpactUSD) {
			th.EstimatedImpactUSD = 0
		}
		out.Threats[i] = th
	}
	seen := sets.New[string]()
	out.EvidenceCitations = make([]string, 0, len(in.EvidenceCitations))
	for _, c := range in.EvidenceCitations {
		if !types.IsKnownFieldPath(c) || seen.Has(c) {
			continue
		}
		seen.Insert(c)
		out.EvidenceCitations = append(out.EvidenceCitations, c)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
