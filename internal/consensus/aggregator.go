// Package consensus combines independent evaluator assessments into a single
// agreed action using a two-thirds supermajority rule.
package consensus

import (
	"encoding/binary"
	"errors"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// SignatureLength is the size of an aggregated BLS12-381 G2 signature.
const SignatureLength = 96

// ErrNoAssessments is returned when there is nothing to aggregate.
var ErrNoAssessments = errors.New("no assessments to aggregate")

// Threshold is the number of matching votes needed among n evaluators,
// ceil(2n/3).
func Threshold(n int) int {
	if n <= 0 {
		return 0
	}
	return (2*n + 2) / 3
}

// Aggregate tallies the recommended actions. When the most common action
// reaches Threshold it is agreed; otherwise the evaluators diverged and the
// result falls back to ALERT.
func Aggregate(assessments []types.ThreatAssessment) (types.ConsensusResult, error) {
	n := len(assessments)
	if n == 0 {
		return types.ConsensusResult{}, ErrNoAssessments
	}

	votes := make(map[types.Action]int, len(types.Actions()))
	scores := make([]float64, 0, n)
	for _, a := range assessments {
		votes[a.RecommendedAction]++
		scores = append(scores, a.OverallRiskScore)
	}

	plurality, count := pluralityAction(votes)
	result := types.ConsensusResult{
		AgreedAction:        types.ActionAlert,
		MedianScore:         Median(scores),
		AggregatedSignature: AggregatedSignature(n),
		ParticipatingNodes:  n,
		WinningVotes:        count,
	}
	if count >= Threshold(n) {
		result.ConsensusReached = true
		result.AgreedAction = plurality
	}
	return result, nil
}

// pluralityAction returns the most voted action. Ties go to the less severe
// action; actions outside the taxonomy rank lowest.
func pluralityAction(votes map[types.Action]int) (types.Action, int) {
	keys := make([]types.Action, 0, len(votes))
	for a := range votes {
		keys = append(keys, a)
	}
	sort.Slice(keys, func(i, j int) bool {
		if ri, rj := keys[i].Rank(), keys[j].Rank(); ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
	var best types.Action
	count := 0
	for _, a := range keys {
		if votes[a] > count {
			best, count = a, votes[a]
		}
	}
	return best, count
}

// Median returns the median of scores, averaging the two central values for
// an even count. It does not modify scores.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	s := append([]float64(nil), scores...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// AggregatedSignature stands in for a threshold BLS aggregate over n node
// signatures. It is deterministic in n and always SignatureLength bytes.
func AggregatedSignature(n int) []byte {
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], uint64(n))
	sig := make([]byte, 0, SignatureLength)
	for i := byte(0); len(sig) < SignatureLength; i++ {
		sig = append(sig, crypto.Keccak256([]byte("sentinel-don-aggregate"), seed[:], []byte{i})...)
	}
	return sig[:SignatureLength]
}

// ConsensusAssessment folds the evaluator opinions into the single
// assessment handed to escalation: the median score, the agreed action, a
// threat flag held by a strict majority, and the union of their evidence.
func ConsensusAssessment(assessments []types.ThreatAssessment, result types.ConsensusResult) types.ThreatAssessment {
	out := types.ThreatAssessment{
		OverallRiskScore:  result.MedianScore,
		RecommendedAction: result.AgreedAction,
		Threats:           []types.ThreatEntry{},
		EvidenceCitations: []string{},
	}
	detected := 0
	seen := sets.New[string]()
	reasons := make([]string, 0, len(assessments))
	for _, a := range assessments {
		if a.ThreatDetected {
			detected++
		}
		out.Threats = append(out.Threats, a.Threats...)
		for _, c := range a.EvidenceCitations {
			if !seen.Has(c) {
				seen.Insert(c)
				out.EvidenceCitations = append(out.EvidenceCitations, c)
			}
		}
		if r := strings.TrimSpace(a.Reasoning); r != "" {
			reasons = append(reasons, r)
		}
	}
	out.ThreatDetected = detected*2 > len(assessments)
	out.Reasoning = strings.Join(reasons, "\n---\n")
	return out
}
