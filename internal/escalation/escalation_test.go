package escalation

import (
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/consensus"
	"github.com/invisible-tech/defi-threat-sentinel/internal/testutil"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

var cycleTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestEscalateAction(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Action
	}{
		{-0.3, types.ActionNone},
		{0, types.ActionNone},
		{0.49, types.ActionNone},
		{0.4999, types.ActionNone},
		{0.5, types.ActionAlert},
		{0.69, types.ActionAlert},
		{0.7, types.ActionRateLimit},
		{0.849, types.ActionRateLimit},
		{0.85, types.ActionDrainBlock},
		{0.9499, types.ActionDrainBlock},
		{0.95, types.ActionPause},
		{1, types.ActionPause},
		{4.2, types.ActionPause},
		{math.NaN(), types.ActionNone},
	}
	for _, tt := range tests {
		if got := EscalateAction(tt.score); got != tt.want {
			t.Errorf("EscalateAction(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestEscalateAction_MonotonicAndTotal(t *testing.T) {
	prev := -1
	for i := 0; i <= 10000; i++ {
		s := float64(i) / 10000
		a := EscalateAction(s)
		if !a.Valid() {
			t.Fatalf("EscalateAction(%v) = %q, not a defined action", s, a)
		}
		if a.Rank() < prev {
			t.Fatalf("EscalateAction not monotonic at %v", s)
		}
		prev = a.Rank()
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Severity
	}{
		{0.5, types.SeverityLow},
		{0.6, types.SeverityMedium},
		{0.79, types.SeverityMedium},
		{0.8, types.SeverityHigh},
		{0.9, types.SeverityCritical},
		{1.5, types.SeverityCritical},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.score); got != tt.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestConfidenceBps(t *testing.T) {
	if got := ConfidenceBps(0.87654); got != 8765 {
		t.Errorf("ConfidenceBps(0.87654) = %d, want 8765", got)
	}
	if got := ConfidenceBps(2); got != types.MaxConfidenceBps {
		t.Errorf("ConfidenceBps(2) = %d", got)
	}
}

func TestReportID(t *testing.T) {
	a := ReportID("agent-1", testutil.ProtocolAddress, cycleTime)
	if a != ReportID("agent-1", testutil.ProtocolAddress, cycleTime.Add(400*time.Millisecond)) {
		t.Error("report id should depend on whole seconds only")
	}
	if a == ReportID("agent-1", testutil.ProtocolAddress, cycleTime.Add(time.Second)) {
		t.Error("report id should change with the timestamp")
	}
	if a == ReportID("agent-2", testutil.ProtocolAddress, cycleTime) {
		t.Error("report id should change with the agent")
	}
	if a == ReportID("agent-1", common.Address{}, cycleTime) {
		t.Error("report id should change with the protocol")
	}
}

func TestRunSentinelPipeline_FlashLoanDrainEscalatesToPause(t *testing.T) {
	frame := testutil.FlashLoanDrainFrame()
	votes := []types.ThreatAssessment{
		testutil.HighThreatAssessment(0.95),
		testutil.HighThreatAssessment(0.96),
		testutil.HighThreatAssessment(0.93),
	}
	result, err := consensus.Aggregate(votes)
	if err != nil {
		t.Fatal(err)
	}
	agreed := consensus.ConsensusAssessment(votes, result)
	if agreed.RecommendedAction != types.ActionAlert {
		t.Fatalf("evaluators recommended %s, fixture expects ALERT", agreed.RecommendedAction)
	}

	report, status := RunSentinelPipeline("agent-1", testutil.ProtocolAddress, frame, &agreed, result.AggregatedSignature, cycleTime)
	if status != StatusReported || report == nil {
		t.Fatalf("status = %s, want reported", status)
	}
	if report.Action != types.ActionPause {
		t.Errorf("Action = %s, want PAUSE", report.Action)
	}
	if report.Severity != types.SeverityCritical {
		t.Errorf("Severity = %s, want CRITICAL", report.Severity)
	}
	if report.ConfidenceScore != 9500 {
		t.Errorf("ConfidenceScore = %d, want 9500", report.ConfidenceScore)
	}
	if !report.Exists || report.Timestamp != uint64(cycleTime.Unix()) {
		t.Errorf("report header = %+v", report)
	}
	if len(report.DONSignatures) != consensus.SignatureLength {
		t.Errorf("signature length = %d", len(report.DONSignatures))
	}
	want := map[string]bool{
		types.PathTVLDelta1h:        true,
		types.PathMempoolFlashLoans: true,
		types.PathTxFailedRatio:     true,
		types.PathTxLarge:           true,
	}
	if len(report.Citations) != len(want) {
		t.Errorf("Citations = %v", report.Citations)
	}
	for _, c := range report.Citations {
		if !want[c] {
			t.Errorf("unexpected citation %q", c)
		}
	}
	if report.EvidenceHash != EvidenceHash(report.Citations, &agreed) {
		t.Error("evidence hash not reproducible")
	}
}

func TestRunSentinelPipeline_NoReport(t *testing.T) {
	drain := testutil.FlashLoanDrainFrame()
	high := testutil.HighThreatAssessment(0.9)
	notDetected := testutil.HighThreatAssessment(0.9)
	notDetected.ThreatDetected = false
	low := testutil.HighThreatAssessment(0.49)

	tests := []struct {
		name       string
		frame      *types.TelemetryFrame
		assessment *types.ThreatAssessment
		want       Status
	}{
		{"clean frame is gated", testutil.CleanFrame(), &high, StatusSkipped},
		{"nil frame is gated", nil, &high, StatusSkipped},
		{"missing assessment", drain, nil, StatusNoThreat},
		{"no threat detected", drain, &notDetected, StatusNoThreat},
		{"score below report threshold", drain, &low, StatusNoThreat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, status := RunSentinelPipeline("agent-1", testutil.ProtocolAddress, tt.frame, tt.assessment, []byte{1}, cycleTime)
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
			if report != nil {
				t.Errorf("unexpected report %+v", report)
			}
		})
	}
}

func TestEvidenceHash_ChangesWithReasoning(t *testing.T) {
	a := testutil.HighThreatAssessment(0.9)
	b := a
	b.Reasoning = "something else"
	c := []string{types.PathTVLDelta1h}
	if EvidenceHash(c, &a) == EvidenceHash(c, &b) {
		t.Error("evidence hash ignores reasoning")
	}
}
