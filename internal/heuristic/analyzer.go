// Package heuristic provides the inexpensive multi-factor risk scorer that
// gates calls to the judgment provider.
package heuristic

import (
	"math"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// GateThreshold is the minimum heuristic score that justifies a judgment call.
const GateThreshold = 0.3

// Signal is one normalized, weighted input to the risk score.
type Signal struct {
	Name   string
	Path   string
	Min    float64
	Max    float64
	Weight float64
	Value  func(f *types.TelemetryFrame) float64
}

// Normalize clamps (v-min)/(max-min) to [0,1]. Non-finite input yields 0.
func (s *Signal) Normalize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || s.Max <= s.Min {
		return 0
	}
	return clamp01((v - s.Min) / (s.Max - s.Min))
}

// Result is the heuristic verdict for one frame.
type Result struct {
	RiskScore float64
	Citations sets.Set[string]
	SubScores map[string]float64
}

// CitationList returns the citations sorted.
func (r Result) CitationList() []string {
	return sets.List(r.Citations)
}

// Analyzer scores telemetry frames. It holds no mutable state.
type Analyzer struct {
	signals []*Signal
}

// NewAnalyzer creates an analyzer with the default signal table.
func NewAnalyzer() *Analyzer {
	return &Analyzer{signals: defaultSignals()}
}

// Score computes the weighted risk score and the citations of every signal
// that contributed.
func (a *Analyzer) Score(frame *types.TelemetryFrame) Result {
	res := Result{
		Citations: sets.New[string](),
		SubScores: make(map[string]float64, len(a.signals)),
	}
	if frame == nil {
		return res
	}
	var total float64
	for _, s := range a.signals {
		sub := s.Normalize(s.Value(frame))
		res.SubScores[s.Path] = sub
		if sub > 0 {
			res.Citations.Insert(s.Path)
		}
		total += sub * s.Weight
	}
	res.RiskScore = clamp01(total)
	return res
}

// PassesGate reports whether the result warrants a judgment call.
func (a *Analyzer) PassesGate(r Result) bool {
	return r.RiskScore >= GateThreshold
}

// Signals returns the loaded signal table (read-only).
func (a *Analyzer) Signals() []*Signal {
	return a.signals
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func drop(delta float64) float64 {
	if delta < 0 {
		return -delta
	}
	return 0
}

func defaultSignals() []*Signal {
	return []*Signal{
		{
			Name: "tvl_drop_1h", Path: types.PathTVLDelta1h,
			Min: 0, Max: 30, Weight: 0.20,
			Value: func(f *types.TelemetryFrame) float64 { return drop(f.TVL.Delta1h) },
		},
		{
			Name: "tvl_drop_24h", Path: types.PathTVLDelta24h,
			Min: 0, Max: 50, Weight: 0.10,
			Value: func(f *types.TelemetryFrame) float64 { return drop(f.TVL.Delta24h) },
		},
		{
			Name: "flash_loan_borrows", Path: types.PathMempoolFlashLoans,
			Min: 0, Max: 10, Weight: 0.15,
			Value: func(f *types.TelemetryFrame) float64 { return float64(f.MempoolSignals.FlashLoanBorrows) },
		},
		{
			Name: "failed_tx_ratio", Path: types.PathTxFailedRatio,
			Min: 0.02, Max: 0.30, Weight: 0.10,
			Value: func(f *types.TelemetryFrame) float64 { return f.TransactionMetrics.FailedTxRatio },
		},
		{
			Name: "price_deviation", Path: types.PathPriceDeviation,
			Min: 0, Max: 10, Weight: 0.15,
			Value: func(f *types.TelemetryFrame) float64 { return math.Abs(f.PriceData.DeviationFromOracle) },
		},
		{
			Name: "mempool_anomalies", Path: types.PathMempoolLargeWithdrawals,
			Min: 0, Max: 20, Weight: 0.10,
			Value: func(f *types.TelemetryFrame) float64 {
				return float64(f.MempoolSignals.PendingLargeWithdrawals) + float64(len(f.MempoolSignals.SuspiciousCalldata))
			},
		},
		{
			Name: "threat_intel", Path: types.PathThreatIntel,
			Min: 0, Max: 10, Weight: 0.10,
			Value: threatIntelComposite,
		},
		{
			Name: "contract_state", Path: types.PathContractState,
			Min: 0, Max: 1, Weight: 0.10,
			Value: contractStateRisk,
		},
	}
}

func threatIntelComposite(f *types.TelemetryFrame) float64 {
	ti := f.ThreatIntel
	v := float64(len(ti.ActiveCVEs))
	for _, p := range ti.ExploitPatternMatches {
		v += 2 * clamp01(p.Confidence)
	}
	v += float64(ti.DarkWebMentions) / 5
	if ti.SocialSentiment < 0 && !math.IsNaN(ti.SocialSentiment) {
		v += 5 * math.Min(1, -ti.SocialSentiment)
	}
	return v
}

func contractStateRisk(f *types.TelemetryFrame) float64 {
	var v float64
	if f.ContractState.PendingUpgrade {
		v += 0.4
	}
	v += 0.6 * math.Min(1, float64(f.ContractState.UnusualApprovals)/10)
	return v
}
