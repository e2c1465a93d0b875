package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// MaxConfidenceBps is a confidence of 1.0 expressed in basis points.
const MaxConfidenceBps = 10000

// ThreatReport is the record submitted to the action execution state machine.
type ThreatReport struct {
	ReportID        common.Hash    `json:"reportId"`
	AgentID         string         `json:"agentId"`
	Exists          bool           `json:"exists"`
	TargetProtocol  common.Address `json:"targetProtocol"`
	Action          Action         `json:"action"`
	Severity        Severity       `json:"severity"`
	ConfidenceScore uint64         `json:"confidenceScore"`
	EvidenceHash    common.Hash    `json:"evidenceHash"`
	Timestamp       uint64         `json:"timestamp"`
	DONSignatures   []byte         `json:"donSignatures"`

	// Citations travel with the report for off-chain consumers; only their
	// hash is part of the durable record.
	Citations []string `json:"citations,omitempty"`
}

// ReportRecord is the durable per-report state. The embedded report never
// changes after it is stored; only Active and LiftedAt transition.
type ReportRecord struct {
	Report   ThreatReport `json:"report"`
	Active   bool         `json:"active"`
	LiftedAt uint64       `json:"liftedAt,omitempty"`
}

// AgentBudget is an agent's action counter for one epoch.
type AgentBudget struct {
	AgentID      string `json:"agentId"`
	CurrentEpoch uint64 `json:"currentEpoch"`
	ActionCount  uint64 `json:"actionCount"`
}

// ProtocolStatus summarizes protective state for one protocol.
type ProtocolStatus struct {
	Protocol        common.Address `json:"protocol"`
	Registered      bool           `json:"registered"`
	UnderAction     bool           `json:"underAction"`
	EmergencyPaused bool           `json:"emergencyPaused"`
	ActiveReports   []common.Hash  `json:"activeReports"`
}
