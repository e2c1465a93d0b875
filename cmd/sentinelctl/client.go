package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/invisible-tech/defi-threat-sentinel/internal/heuristic"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

// callerHeader must match the server's identity header.
const callerHeader = "X-Sentinel-Caller"

type apiClient struct {
	endpoint   string
	caller     string
	httpClient *http.Client
}

func newAPIClient(c *cli.Context) *apiClient {
	return &apiClient{
		endpoint:   strings.TrimRight(c.String(endpointFlag.Name), "/"),
		caller:     c.String(callerFlag.Name),
		httpClient: &http.Client{Timeout: c.Duration(timeoutFlag.Name)},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *apiClient) call(c *cli.Context, method, path string) error {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, a.endpoint+path, nil)
	if err != nil {
		return errors.Wrap(err, "could not build request")
	}
	req.Header.Set("User-Agent", version.UserAgent("sentinelctl"))
	if a.caller != "" {
		req.Header.Set(callerHeader, a.caller)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not reach sentinel at %s", a.endpoint)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "could not read response")
	}
	if resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return cli.Exit(fmt.Sprintf("%s %s: %d %s: %s", method, path, resp.StatusCode, e.Error, e.Message), 1)
		}
		return cli.Exit(fmt.Sprintf("%s %s: unexpected status code %d", method, path, resp.StatusCode), 1)
	}
	return printJSON(c, body)
}

func printJSON(c *cli.Context, raw []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		_, err = c.App.Writer.Write(raw)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(c.App.Writer)
	return err
}

type scoreOutput struct {
	RiskScore  float64            `json:"riskScore"`
	PassesGate bool               `json:"passesGate"`
	Citations  []string           `json:"citations"`
	SubScores  map[string]float64 `json:"subScores"`
}

func scoreFrame(c *cli.Context) error {
	path, err := arg(c, "frame file")
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "could not read frame file %s", path)
	}
	var frame types.TelemetryFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return errors.Wrap(err, "could not decode telemetry frame")
	}
	a := heuristic.NewAnalyzer()
	res := a.Score(&frame)
	out, err := json.Marshal(scoreOutput{
		RiskScore:  res.RiskScore,
		PassesGate: a.PassesGate(res),
		Citations:  res.CitationList(),
		SubScores:  res.SubScores,
	})
	if err != nil {
		return err
	}
	return printJSON(c, out)
}
