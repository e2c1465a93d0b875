// Package types defines the shared data model for telemetry, judgment
// assessments, consensus results, and on-chain threat reports used across the
// sentinel pipeline and the HTTP API.
package types

import (
	"github.com/ethereum/go-ethereum/common"
)

// TelemetryFrame is one snapshot of protocol health. The JSON field names are
// the dot-paths used by evidence citations.
type TelemetryFrame struct {
	ChainID            uint64             `json:"chainId"`
	BlockNumber        uint64             `json:"blockNumber"`
	Protocol           common.Address     `json:"protocol"`
	TVL                TVL                `json:"tvl"`
	TransactionMetrics TransactionMetrics `json:"transactionMetrics"`
	ContractState      ContractState      `json:"contractState"`
	MempoolSignals     MempoolSignals     `json:"mempoolSignals"`
	ThreatIntel        ThreatIntel        `json:"threatIntel"`
	PriceData          PriceData          `json:"priceData"`
}

// TVL is total value locked with percentage deltas.
type TVL struct {
	Current  Amount  `json:"current"`
	Delta1h  float64 `json:"delta1h"`
	Delta24h float64 `json:"delta24h"`
}

// TransactionMetrics summarizes recent transaction activity.
type TransactionMetrics struct {
	Volume            Amount  `json:"volume"`
	UniqueAddresses   uint64  `json:"uniqueAddresses"`
	LargeTransactions uint64  `json:"largeTransactions"`
	FailedTxRatio     float64 `json:"failedTxRatio"`
}

// ContractState is the observed state of the protocol's core contract.
type ContractState struct {
	Owner            common.Address `json:"owner"`
	Paused           bool           `json:"paused"`
	PendingUpgrade   bool           `json:"pendingUpgrade"`
	UnusualApprovals uint64         `json:"unusualApprovals"`
}

// MempoolSignals are pending-transaction indicators.
type MempoolSignals struct {
	PendingLargeWithdrawals uint64   `json:"pendingLargeWithdrawals"`
	FlashLoanBorrows        uint64   `json:"flashLoanBorrows"`
	SuspiciousCalldata      []string `json:"suspiciousCalldata,omitempty"`
}

// ThreatIntel carries external threat intelligence for the protocol.
type ThreatIntel struct {
	ActiveCVEs            []string         `json:"activeCves,omitempty"`
	ExploitPatternMatches []ExploitPattern `json:"exploitPatternMatches,omitempty"`
	DarkWebMentions       uint64           `json:"darkWebMentions"`
	SocialSentiment       float64          `json:"socialSentiment"`
}

// PriceData is the protocol token's market and oracle data.
type PriceData struct {
	TokenPrice          float64 `json:"tokenPrice"`
	DeviationFromOracle float64 `json:"deviationFromOracle"`
	OracleLatency       float64 `json:"oracleLatency"`
}

// ExploitCategory is one entry of the fixed exploit taxonomy.
type ExploitCategory string

const (
	ExploitFlashLoanAttack    ExploitCategory = "flash_loan_attack"
	ExploitReentrancy         ExploitCategory = "reentrancy"
	ExploitOracleManipulation ExploitCategory = "oracle_manipulation"
	ExploitPriceManipulation  ExploitCategory = "price_manipulation"
	ExploitGovernanceAttack   ExploitCategory = "governance_attack"
	ExploitAccessControl      ExploitCategory = "access_control"
	ExploitRugPull            ExploitCategory = "rug_pull"
	ExploitBridgeExploit      ExploitCategory = "bridge_exploit"
	ExploitLogicError         ExploitCategory = "logic_error"
)

// ExploitCategories lists the taxonomy in a stable order.
func ExploitCategories() []ExploitCategory {
	return []ExploitCategory{
		ExploitFlashLoanAttack, ExploitReentrancy, ExploitOracleManipulation,
		ExploitPriceManipulation, ExploitGovernanceAttack, ExploitAccessControl,
		ExploitRugPull, ExploitBridgeExploit, ExploitLogicError,
	}
}

// SeverityTier grades an exploit pattern match.
type SeverityTier string

const (
	TierLow      SeverityTier = "low"
	TierMedium   SeverityTier = "medium"
	TierHigh     SeverityTier = "high"
	TierCritical SeverityTier = "critical"
)

// ExploitPattern is read-only evidence of a known exploit shape.
type ExploitPattern struct {
	Category   ExploitCategory `json:"category"`
	Severity   SeverityTier    `json:"severity"`
	Indicators []string        `json:"indicators,omitempty"`
	Confidence float64         `json:"confidence"`
}
