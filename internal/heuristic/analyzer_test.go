package heuristic

import (
	"math"
	"testing"

	"github.com/invisible-tech/defi-threat-sentinel/internal/testutil"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

func TestNewAnalyzer(t *testing.T) {
	a := NewAnalyzer()
	if a == nil {
		t.Fatal("NewAnalyzer() returned nil")
	}
	signals := a.Signals()
	if len(signals) != 8 {
		t.Fatalf("expected 8 signals, got %d", len(signals))
	}
	var sum float64
	for _, s := range signals {
		sum += s.Weight
		if !types.IsKnownFieldPath(s.Path) {
			t.Errorf("signal %s cites unknown path %q", s.Name, s.Path)
		}
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("weights sum to %v, want 1.0", sum)
	}
}

func TestAnalyzer_Score_FlashLoanDrain(t *testing.T) {
	a := NewAnalyzer()
	res := a.Score(testutil.FlashLoanDrainFrame())

	// 0.20*1 + 0.15*0.8 + 0.10*(0.13/0.28)
	want := 0.2 + 0.12 + 0.1*(0.13/0.28)
	if math.Abs(res.RiskScore-want) > 1e-9 {
		t.Errorf("RiskScore = %v, want %v", res.RiskScore, want)
	}
	if !a.PassesGate(res) {
		t.Errorf("flash-loan drain should pass the gate, score %v", res.RiskScore)
	}
	for _, p := range []string{types.PathTVLDelta1h, types.PathMempoolFlashLoans, types.PathTxFailedRatio} {
		if !res.Citations.Has(p) {
			t.Errorf("missing citation %q in %v", p, res.CitationList())
		}
	}
	if res.Citations.Has(types.PathPriceDeviation) {
		t.Error("zero price deviation must not be cited")
	}
}

func TestAnalyzer_Score_CleanFrameBelowGate(t *testing.T) {
	a := NewAnalyzer()
	res := a.Score(testutil.CleanFrame())
	if res.RiskScore >= GateThreshold {
		t.Errorf("clean frame scored %v, want < %v", res.RiskScore, GateThreshold)
	}
	if a.PassesGate(res) {
		t.Error("clean frame should not pass the gate")
	}
	if res.Citations.Has(types.PathTxFailedRatio) {
		t.Error("1% failure ratio is below the signal floor and must not be cited")
	}
}

func TestAnalyzer_Score_Bounds(t *testing.T) {
	a := NewAnalyzer()
	t.Run("zero frame", func(t *testing.T) {
		res := a.Score(&types.TelemetryFrame{})
		if res.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0", res.RiskScore)
		}
		if res.Citations.Len() != 0 {
			t.Errorf("citations = %v, want none", res.CitationList())
		}
	})

	t.Run("nil frame", func(t *testing.T) {
		if res := a.Score(nil); res.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0", res.RiskScore)
		}
	})

	t.Run("maximal frame", func(t *testing.T) {
		f := &types.TelemetryFrame{
			TVL:                types.TVL{Delta1h: -100, Delta24h: -100},
			TransactionMetrics: types.TransactionMetrics{FailedTxRatio: 1},
			ContractState:      types.ContractState{PendingUpgrade: true, UnusualApprovals: math.MaxUint64},
			MempoolSignals: types.MempoolSignals{
				PendingLargeWithdrawals: math.MaxUint64,
				FlashLoanBorrows:        math.MaxUint64,
				SuspiciousCalldata:      []string{"0xdeadbeef"},
			},
			ThreatIntel: types.ThreatIntel{
				ActiveCVEs:      []string{"CVE-2024-0001", "CVE-2024-0002"},
				DarkWebMentions: math.MaxUint64,
				SocialSentiment: -1,
				ExploitPatternMatches: []types.ExploitPattern{
					{Category: types.ExploitReentrancy, Severity: types.TierCritical, Confidence: 1},
				},
			},
			PriceData: types.PriceData{DeviationFromOracle: -500},
		}
		res := a.Score(f)
		if math.Abs(res.RiskScore-1) > 1e-9 {
			t.Errorf("RiskScore = %v, want 1", res.RiskScore)
		}
		if res.Citations.Len() != 8 {
			t.Errorf("expected all 8 signals cited, got %v", res.CitationList())
		}
	})

	t.Run("non-finite values", func(t *testing.T) {
		f := &types.TelemetryFrame{
			TVL:                types.TVL{Delta1h: math.Inf(-1), Delta24h: math.NaN()},
			TransactionMetrics: types.TransactionMetrics{FailedTxRatio: math.NaN()},
			ThreatIntel:        types.ThreatIntel{SocialSentiment: math.NaN()},
			PriceData:          types.PriceData{DeviationFromOracle: math.Inf(1)},
		}
		res := a.Score(f)
		if res.RiskScore < 0 || res.RiskScore > 1 || math.IsNaN(res.RiskScore) {
			t.Errorf("RiskScore = %v, want within [0,1]", res.RiskScore)
		}
	})
}

func TestSignal_Normalize(t *testing.T) {
	s := &Signal{Min: 0.02, Max: 0.30}
	tests := []struct {
		in   float64
		want float64
	}{
		{0, 0},
		{0.02, 0},
		{0.16, 0.5},
		{0.30, 1},
		{5, 1},
	}
	for _, tt := range tests {
		if got := s.Normalize(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Normalize(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
