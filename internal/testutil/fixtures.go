// Package testutil holds telemetry fixtures and log assertions shared by
// package tests.
package testutil

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// ProtocolAddress is the monitored protocol used across fixtures.
var ProtocolAddress = common.HexToAddress("0x00000000000000000000000000000000000d3f11")

// FlashLoanDrainFrame is a protocol being drained through flash loans:
// TVL down 35% in an hour, 8 flash-loan borrows, 15% failed transactions.
func FlashLoanDrainFrame() *types.TelemetryFrame {
	tvl, _ := types.ParseAmount("48210000000000000000000000")
	return &types.TelemetryFrame{
		ChainID:     1,
		BlockNumber: 19_204_117,
		Protocol:    ProtocolAddress,
		TVL:         types.TVL{Current: tvl, Delta1h: -35},
		TransactionMetrics: types.TransactionMetrics{
			Volume:            types.NewAmount(9_400_000),
			UniqueAddresses:   412,
			LargeTransactions: 17,
			FailedTxRatio:     0.15,
		},
		ContractState: types.ContractState{
			Owner: common.HexToAddress("0x000000000000000000000000000000000000a11c"),
		},
		MempoolSignals: types.MempoolSignals{FlashLoanBorrows: 8},
		PriceData:      types.PriceData{TokenPrice: 1.02, OracleLatency: 12},
	}
}

// CleanFrame is a healthy protocol with no meaningful movement.
func CleanFrame() *types.TelemetryFrame {
	tvl, _ := types.ParseAmount("120000000000000000000000000")
	return &types.TelemetryFrame{
		ChainID:     1,
		BlockNumber: 19_204_117,
		Protocol:    ProtocolAddress,
		TVL:         types.TVL{Current: tvl, Delta1h: 0.2, Delta24h: -0.5},
		TransactionMetrics: types.TransactionMetrics{
			Volume:          types.NewAmount(2_100_000),
			UniqueAddresses: 1890,
			FailedTxRatio:   0.01,
		},
		ContractState: types.ContractState{
			Owner: common.HexToAddress("0x000000000000000000000000000000000000a11c"),
		},
		ThreatIntel: types.ThreatIntel{SocialSentiment: 0.3},
		PriceData:   types.PriceData{TokenPrice: 1.0, DeviationFromOracle: 0.05, OracleLatency: 8},
	}
}

// HighThreatAssessment is a provider opinion that agrees the frame is under
// attack but recommends only an alert.
func HighThreatAssessment(score float64) types.ThreatAssessment {
	return types.ThreatAssessment{
		OverallRiskScore: score,
		ThreatDetected:   true,
		Threats: []types.ThreatEntry{{
			Category:           types.ExploitFlashLoanAttack,
			Confidence:         0.9,
			Indicators:         []string{"repeated flash borrows", "tvl outflow"},
			EstimatedImpactUSD: 12_500_000,
		}},
		RecommendedAction: types.ActionAlert,
		Reasoning:         "flash-loan funded drain in progress",
		EvidenceCitations: []string{types.PathTVLDelta1h, types.PathTxLarge},
	}
}
