package consensus

import (
	"bytes"
	"errors"
	"testing"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

func vote(action types.Action, score float64) types.ThreatAssessment {
	return types.ThreatAssessment{
		OverallRiskScore:  score,
		ThreatDetected:    action != types.ActionNone,
		RecommendedAction: action,
	}
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 4}, {6, 4}, {7, 5}, {9, 6}, {10, 7},
	}
	for _, tt := range tests {
		if got := Threshold(tt.n); got != tt.want {
			t.Errorf("Threshold(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		votes       []types.ThreatAssessment
		wantReached bool
		wantAction  types.Action
		wantVotes   int
		wantMedian  float64
	}{
		{
			name:        "two of three at the threshold",
			votes:       []types.ThreatAssessment{vote(types.ActionPause, 0.96), vote(types.ActionPause, 0.97), vote(types.ActionAlert, 0.6)},
			wantReached: true,
			wantAction:  types.ActionPause,
			wantVotes:   2,
			wantMedian:  0.96,
		},
		{
			name:        "three way split diverges to alert",
			votes:       []types.ThreatAssessment{vote(types.ActionPause, 0.9), vote(types.ActionRateLimit, 0.8), vote(types.ActionNone, 0.1)},
			wantReached: false,
			wantAction:  types.ActionAlert,
			wantVotes:   1,
			wantMedian:  0.8,
		},
		{
			name:        "two of four below the threshold",
			votes:       []types.ThreatAssessment{vote(types.ActionDrainBlock, 0.9), vote(types.ActionDrainBlock, 0.88), vote(types.ActionPause, 0.95), vote(types.ActionNone, 0.2)},
			wantReached: false,
			wantAction:  types.ActionAlert,
			wantVotes:   2,
			wantMedian:  0.89,
		},
		{
			name:        "three of four reaches",
			votes:       []types.ThreatAssessment{vote(types.ActionNone, 0.1), vote(types.ActionNone, 0.2), vote(types.ActionNone, 0.3), vote(types.ActionPause, 0.99)},
			wantReached: true,
			wantAction:  types.ActionNone,
			wantVotes:   3,
			wantMedian:  0.25,
		},
		{
			name:        "single evaluator",
			votes:       []types.ThreatAssessment{vote(types.ActionRateLimit, 0.72)},
			wantReached: true,
			wantAction:  types.ActionRateLimit,
			wantVotes:   1,
			wantMedian:  0.72,
		},
		{
			name:        "all agree",
			votes:       []types.ThreatAssessment{vote(types.ActionAlert, 0.6), vote(types.ActionAlert, 0.6), vote(types.ActionAlert, 0.6)},
			wantReached: true,
			wantAction:  types.ActionAlert,
			wantVotes:   3,
			wantMedian:  0.6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Aggregate(tt.votes)
			if err != nil {
				t.Fatalf("Aggregate: %v", err)
			}
			if got.ConsensusReached != tt.wantReached {
				t.Errorf("ConsensusReached = %t, want %t", got.ConsensusReached, tt.wantReached)
			}
			if got.AgreedAction != tt.wantAction {
				t.Errorf("AgreedAction = %s, want %s", got.AgreedAction, tt.wantAction)
			}
			if got.WinningVotes != tt.wantVotes {
				t.Errorf("WinningVotes = %d, want %d", got.WinningVotes, tt.wantVotes)
			}
			if diff := got.MedianScore - tt.wantMedian; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("MedianScore = %v, want %v", got.MedianScore, tt.wantMedian)
			}
			if got.ParticipatingNodes != len(tt.votes) {
				t.Errorf("ParticipatingNodes = %d, want %d", got.ParticipatingNodes, len(tt.votes))
			}
			if len(got.AggregatedSignature) != SignatureLength {
				t.Errorf("signature length = %d", len(got.AggregatedSignature))
			}
		})
	}
}

func TestAggregate_Empty(t *testing.T) {
	if _, err := Aggregate(nil); !errors.Is(err, ErrNoAssessments) {
		t.Errorf("Aggregate(nil) error = %v, want ErrNoAssessments", err)
	}
}

func TestAggregate_TieBreaksTowardLessSevere(t *testing.T) {
	votes := []types.ThreatAssessment{vote(types.ActionPause, 0.9), vote(types.ActionAlert, 0.6)}
	got, err := Aggregate(votes)
	if err != nil {
		t.Fatal(err)
	}
	if got.WinningVotes != 1 || got.ConsensusReached {
		t.Errorf("got %s, want divergence with 1 winning vote", got)
	}
	if plurality, _ := pluralityAction(map[types.Action]int{types.ActionPause: 2, types.ActionRateLimit: 2}); plurality != types.ActionRateLimit {
		t.Errorf("tie plurality = %s, want RATE_LIMIT", plurality)
	}
}

func TestMedian(t *testing.T) {
	in := []float64{0.9, 0.1, 0.5, 0.3}
	if got := Median(in); got != 0.4 {
		t.Errorf("Median(even) = %v, want 0.4", got)
	}
	if in[0] != 0.9 {
		t.Error("Median reordered its input")
	}
	if got := Median([]float64{0.7, 0.2, 0.4}); got != 0.4 {
		t.Errorf("Median(odd) = %v, want 0.4", got)
	}
	if got := Median(nil); got != 0 {
		t.Errorf("Median(nil) = %v", got)
	}
}

func TestAggregatedSignature(t *testing.T) {
	a, b := AggregatedSignature(3), AggregatedSignature(3)
	if !bytes.Equal(a, b) {
		t.Error("signature not deterministic")
	}
	if bytes.Equal(a, AggregatedSignature(4)) {
		t.Error("signature should depend on the node count")
	}
}

func TestConsensusAssessment(t *testing.T) {
	votes := []types.ThreatAssessment{
		{OverallRiskScore: 0.9, ThreatDetected: true, RecommendedAction: types.ActionPause, Reasoning: "drain",
			EvidenceCitations: []string{types.PathTVLDelta1h, types.PathMempoolFlashLoans},
			Threats:           []types.ThreatEntry{{Category: types.ExploitFlashLoanAttack, Confidence: 0.8}}},
		{OverallRiskScore: 0.8, ThreatDetected: true, RecommendedAction: types.ActionPause, Reasoning: "  ",
			EvidenceCitations: []string{types.PathTVLDelta1h}},
		{OverallRiskScore: 0.1, ThreatDetected: false, RecommendedAction: types.ActionNone, Reasoning: "looks fine"},
	}
	result, err := Aggregate(votes)
	if err != nil {
		t.Fatal(err)
	}
	got := ConsensusAssessment(votes, result)
	if !got.ThreatDetected {
		t.Error("two of three detected a threat, want ThreatDetected")
	}
	if got.OverallRiskScore != 0.8 || got.RecommendedAction != types.ActionPause {
		t.Errorf("score/action = %v/%s", got.OverallRiskScore, got.RecommendedAction)
	}
	if len(got.EvidenceCitations) != 2 || len(got.Threats) != 1 {
		t.Errorf("citations=%v threats=%v", got.EvidenceCitations, got.Threats)
	}
	if got.Reasoning != "drain\n---\nlooks fine" {
		t.Errorf("Reasoning = %q", got.Reasoning)
	}

	split := []types.ThreatAssessment{votes[0], votes[2]}
	if ConsensusAssessment(split, result).ThreatDetected {
		t.Error("one of two is not a strict majority")
	}
}
