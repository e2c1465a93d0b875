package types

import "k8s.io/apimachinery/pkg/util/sets"

// Citation dot-paths into TelemetryFrame.
const (
	PathChainID     = "chainId"
	PathBlockNumber = "blockNumber"
	PathProtocol    = "protocol"

	PathTVL         = "tvl"
	PathTVLCurrent  = "tvl.current"
	PathTVLDelta1h  = "tvl.delta1h"
	PathTVLDelta24h = "tvl.delta24h"

	PathTransactionMetrics = "transactionMetrics"
	PathTxVolume           = "transactionMetrics.volume"
	PathTxUniqueAddresses  = "transactionMetrics.uniqueAddresses"
	PathTxLarge            = "transactionMetrics.largeTransactions"
	PathTxFailedRatio      = "transactionMetrics.failedTxRatio"

	PathContractState            = "contractState"
	PathContractOwner            = "contractState.owner"
	PathContractPaused           = "contractState.paused"
	PathContractPendingUpgrade   = "contractState.pendingUpgrade"
	PathContractUnusualApprovals = "contractState.unusualApprovals"

	PathMempoolSignals          = "mempoolSignals"
	PathMempoolLargeWithdrawals = "mempoolSignals.pendingLargeWithdrawals"
	PathMempoolFlashLoans       = "mempoolSignals.flashLoanBorrows"
	PathMempoolCalldata         = "mempoolSignals.suspiciousCalldata"

	PathThreatIntel        = "threatIntel"
	PathThreatCVEs         = "threatIntel.activeCves"
	PathThreatExploitMatch = "threatIntel.exploitPatternMatches"
	PathThreatDarkWeb      = "threatIntel.darkWebMentions"
	PathThreatSentiment    = "threatIntel.socialSentiment"

	PathPriceData          = "priceData"
	PathPriceToken         = "priceData.tokenPrice"
	PathPriceDeviation     = "priceData.deviationFromOracle"
	PathPriceOracleLatency = "priceData.oracleLatency"
)

var knownFieldPaths = sets.New[string](
	PathChainID, PathBlockNumber, PathProtocol,
	PathTVL, PathTVLCurrent, PathTVLDelta1h, PathTVLDelta24h,
	PathTransactionMetrics, PathTxVolume, PathTxUniqueAddresses, PathTxLarge, PathTxFailedRatio,
	PathContractState, PathContractOwner, PathContractPaused, PathContractPendingUpgrade, PathContractUnusualApprovals,
	PathMempoolSignals, PathMempoolLargeWithdrawals, PathMempoolFlashLoans, PathMempoolCalldata,
	PathThreatIntel, PathThreatCVEs, PathThreatExploitMatch, PathThreatDarkWeb, PathThreatSentiment,
	PathPriceData, PathPriceToken, PathPriceDeviation, PathPriceOracleLatency,
)

// IsKnownFieldPath reports whether path names a real TelemetryFrame field.
func IsKnownFieldPath(path string) bool {
	return knownFieldPaths.Has(path)
}

// KnownFieldPaths returns every recognized citation path, sorted.
func KnownFieldPaths() []string {
	return sets.List(knownFieldPaths)
}
