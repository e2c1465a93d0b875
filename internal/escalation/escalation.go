// Package escalation maps a final risk score to the protective action and
// builds the report submitted to the execution state machine.
package escalation

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/defi-threat-sentinel/internal/heuristic"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// ReportThreshold is the minimum assessed score that produces a report.
const ReportThreshold = 0.5

// Status is the terminal outcome of one evaluation cycle.
type Status string

const (
	StatusSkipped  Status = "skipped"
	StatusNoThreat Status = "no_threat"
	StatusError    Status = "error"
	StatusReported Status = "reported"
)

type actionBand struct {
	below  float64
	action types.Action
}

// Bands are half-open, [previous.below, below). The last band closes at 1.
var actionBands = []actionBand{
	{below: 0.5, action: types.ActionNone},
	{below: 0.7, action: types.ActionAlert},
	{below: 0.85, action: types.ActionRateLimit},
	{below: 0.95, action: types.ActionDrainBlock},
	{below: math.Inf(1), action: types.ActionPause},
}

type severityBand struct {
	below    float64
	severity types.Severity
}

var severityBands = []severityBand{
	{below: 0.6, severity: types.SeverityLow},
	{below: 0.8, severity: types.SeverityMedium},
	{below: 0.9, severity: types.SeverityHigh},
	{below: math.Inf(1), severity: types.SeverityCritical},
}

// EscalateAction returns the action for score after clamping it to [0,1].
// The result does not depend on any action a provider recommended.
func EscalateAction(score float64) types.Action {
	s := clamp01(score)
	for _, b := range actionBands {
		if s < b.below {
			return b.action
		}
	}
	return types.ActionPause
}

// SeverityFor grades score on its own band table.
func SeverityFor(score float64) types.Severity {
	s := clamp01(score)
	for _, b := range severityBands {
		if s < b.below {
			return b.severity
		}
	}
	return types.SeverityCritical
}

// ConfidenceBps converts score to basis points, rounding down.
func ConfidenceBps(score float64) uint64 {
	return uint64(math.Floor(clamp01(score) * types.MaxConfidenceBps))
}

// ReportID derives the report identifier from the agent, the protocol and
// the cycle time in whole seconds.
func ReportID(agentID string, protocol common.Address, ts time.Time) common.Hash {
	var sec [8]byte
	binary.BigEndian.PutUint64(sec[:], uint64(ts.Unix()))
	return crypto.Keccak256Hash([]byte(agentID), protocol.Bytes(), sec[:])
}

type evidence struct {
	Citations []string            `json:"citations"`
	Reasoning string              `json:"reasoning"`
	Threats   []types.ThreatEntry `json:"threats"`
}

// EvidenceHash commits to the merged citations and the assessment narrative.
func EvidenceHash(citations []string, a *types.ThreatAssessment) common.Hash {
	ev := evidence{Citations: citations, Reasoning: a.Reasoning, Threats: a.Threats}
	if ev.Citations == nil {
		ev.Citations = []string{}
	}
	if ev.Threats == nil {
		ev.Threats = []types.ThreatEntry{}
	}
	// Struct field order is fixed, so the encoding is canonical.
	data, _ := json.Marshal(ev)
	return crypto.Keccak256Hash(data)
}

// Builder runs the final pipeline stage against its analyzer.
type Builder struct {
	analyzer *heuristic.Analyzer
}

// NewBuilder creates a builder that re-checks the heuristic gate with analyzer.
func NewBuilder(analyzer *heuristic.Analyzer) *Builder {
	return &Builder{analyzer: analyzer}
}

var defaultBuilder = NewBuilder(heuristic.NewAnalyzer())

// RunSentinelPipeline runs the final stage with the default analyzer.
func RunSentinelPipeline(agentID string, protocol common.Address, frame *types.TelemetryFrame,
	assessment *types.ThreatAssessment, signatures []byte, now time.Time) (*types.ThreatReport, Status) {
	return defaultBuilder.RunSentinelPipeline(agentID, protocol, frame, assessment, signatures, now)
}

// RunSentinelPipeline gates frame again, then turns a threatening assessment
// into a report. The report action always comes from EscalateAction.
func (b *Builder) RunSentinelPipeline(agentID string, protocol common.Address, frame *types.TelemetryFrame,
	assessment *types.ThreatAssessment, signatures []byte, now time.Time) (*types.ThreatReport, Status) {
	h := b.analyzer.Score(frame)
	if !b.analyzer.PassesGate(h) {
		return nil, StatusSkipped
	}
	if assessment == nil {
		return nil, StatusNoThreat
	}
	score := clamp01(assessment.OverallRiskScore)
	if !assessment.ThreatDetected || score < ReportThreshold {
		return nil, StatusNoThreat
	}

	merged := sets.New[string](assessment.EvidenceCitations...).Union(h.Citations)
	citations := sets.List(merged)

	report := &types.ThreatReport{
		ReportID:        ReportID(agentID, protocol, now),
		AgentID:         agentID,
		Exists:          true,
		TargetProtocol:  protocol,
		Action:          EscalateAction(score),
		Severity:        SeverityFor(score),
		ConfidenceScore: ConfidenceBps(score),
		EvidenceHash:    EvidenceHash(citations, assessment),
		Timestamp:       uint64(now.Unix()),
		DONSignatures:   append([]byte(nil), signatures...),
		Citations:       citations,
	}
	return report, StatusReported
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
