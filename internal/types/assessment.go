package types

import "fmt"

// Action is the protective action taken against a protocol.
type Action string

const (
	ActionNone       Action = "NONE"
	ActionAlert      Action = "ALERT"
	ActionRateLimit  Action = "RATE_LIMIT"
	ActionDrainBlock Action = "DRAIN_BLOCK"
	ActionPause      Action = "PAUSE"
)

// Actions lists every action from least to most severe.
func Actions() []Action {
	return []Action{ActionNone, ActionAlert, ActionRateLimit, ActionDrainBlock, ActionPause}
}

// Rank orders actions by severity; unknown actions rank below NONE.
func (a Action) Rank() int {
	for i, v := range Actions() {
		if v == a {
			return i
		}
	}
	return -1
}

// Valid reports whether a is one of the five defined actions.
func (a Action) Valid() bool {
	return a.Rank() >= 0
}

// Severity is the report severity grade.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ThreatEntry is one threat identified by the judgment provider.
type ThreatEntry struct {
	Category           ExploitCategory `json:"category"`
	Confidence         float64         `json:"confidence"`
	Indicators         []string        `json:"indicators"`
	EstimatedImpactUSD float64         `json:"estimatedImpactUsd"`
}

// ThreatAssessment is one judgment provider opinion about a frame.
// Values are sanitized on ingestion and never trusted verbatim.
type ThreatAssessment struct {
	OverallRiskScore  float64       `json:"overallRiskScore"`
	ThreatDetected    bool          `json:"threatDetected"`
	Threats           []ThreatEntry `json:"threats"`
	RecommendedAction Action        `json:"recommendedAction"`
	Reasoning         string        `json:"reasoning"`
	EvidenceCitations []string      `json:"evidenceCitations"`
}

// ConsensusResult is the agreed outcome across independent evaluators.
type ConsensusResult struct {
	ConsensusReached    bool    `json:"consensusReached"`
	AgreedAction        Action  `json:"agreedAction"`
	MedianScore         float64 `json:"medianScore"`
	AggregatedSignature []byte  `json:"aggregatedSignature"`
	ParticipatingNodes  int     `json:"participatingNodes"`
	WinningVotes        int     `json:"winningVotes"`
}

func (c ConsensusResult) String() string {
	return fmt.Sprintf("consensus{reached=%t action=%s median=%.4f votes=%d/%d}",
		c.ConsensusReached, c.AgreedAction, c.MedianScore, c.WinningVotes, c.ParticipatingNodes)
}
