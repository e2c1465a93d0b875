package types

import (
	"encoding/json"
	"testing"
)

func TestAmount_JSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "decimal string", input: `"115792089237316195423570985008687907853269984665640564039457584007913129639935"`, want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{name: "plain number", input: `4200`, want: "4200"},
		{name: "null", input: `null`, want: "0"},
		{name: "negative", input: `"-1"`, wantErr: true},
		{name: "fraction", input: `1.5`, wantErr: true},
		{name: "overflow", input: `"115792089237316195423570985008687907853269984665640564039457584007913129639936"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Amount
			err := json.Unmarshal([]byte(tt.input), &a)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if a.String() != tt.want {
				t.Errorf("String() = %s, want %s", a.String(), tt.want)
			}
			out, err := json.Marshal(a)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(out) != `"`+tt.want+`"` {
				t.Errorf("Marshal = %s, want quoted decimal", out)
			}
		})
	}
}

func TestAmount_Cmp(t *testing.T) {
	small, big := NewAmount(10), NewAmount(11)
	if small.Cmp(big) != -1 || big.Cmp(small) != 1 || small.Cmp(NewAmount(10)) != 0 {
		t.Error("Cmp ordering is wrong")
	}
	if !(Amount{}).IsZero() {
		t.Error("zero value should be zero")
	}
}

func TestKnownFieldPaths(t *testing.T) {
	paths := KnownFieldPaths()
	for i := 1; i < len(paths); i++ {
		if paths[i-1] >= paths[i] {
			t.Fatalf("KnownFieldPaths not sorted at %d: %q >= %q", i, paths[i-1], paths[i])
		}
	}
	for _, p := range []string{PathTVLDelta1h, PathMempoolFlashLoans, PathPriceData, PathThreatCVEs} {
		if !IsKnownFieldPath(p) {
			t.Errorf("IsKnownFieldPath(%q) = false", p)
		}
	}
	for _, p := range []string{"", "tvl.", "tvl.rugProbability", "TVL.delta1h"} {
		if IsKnownFieldPath(p) {
			t.Errorf("IsKnownFieldPath(%q) = true", p)
		}
	}
	if len(paths) != 30 {
		t.Errorf("len(KnownFieldPaths) = %d, want 30", len(paths))
	}
	paths[0] = "tampered"
	if IsKnownFieldPath("tampered") || KnownFieldPaths()[0] == "tampered" {
		t.Error("KnownFieldPaths must return a copy")
	}
}

func TestAction_Rank(t *testing.T) {
	prev := -1
	for _, a := range Actions() {
		if !a.Valid() {
			t.Errorf("%s not valid", a)
		}
		if a.Rank() <= prev {
			t.Errorf("%s rank %d not above %d", a, a.Rank(), prev)
		}
		prev = a.Rank()
	}
	if Action("SELFDESTRUCT").Valid() {
		t.Error("unknown action reported valid")
	}
}

func TestTelemetryFrame_DecodesWireFormat(t *testing.T) {
	raw := `{
	  "chainId": 42161,
	  "blockNumber": 1000,
	  "protocol": "0x00000000000000000000000000000000000d3f11",
	  "tvl": {"current": "900000000000000000000", "delta1h": -12.5, "delta24h": -20},
	  "transactionMetrics": {"volume": 15000, "uniqueAddresses": 33, "largeTransactions": 2, "failedTxRatio": 0.04},
	  "contractState": {"owner": "0x000000000000000000000000000000000000a11c", "paused": false, "pendingUpgrade": true, "unusualApprovals": 1},
	  "mempoolSignals": {"pendingLargeWithdrawals": 3, "flashLoanBorrows": 1, "suspiciousCalldata": []},
	  "threatIntel": {"activeCves": ["CVE-2024-0001"], "exploitPatternMatches": [], "darkWebMentions": 0, "socialSentiment": -0.2},
	  "priceData": {"tokenPrice": 0.98, "deviationFromOracle": 1.5, "oracleLatency": 40}
	}`
	var f TelemetryFrame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.TVL.Current.String() != "900000000000000000000" {
		t.Errorf("tvl.current = %s", f.TVL.Current)
	}
	if f.TransactionMetrics.Volume.String() != "15000" {
		t.Errorf("volume = %s", f.TransactionMetrics.Volume)
	}
	if !f.ContractState.PendingUpgrade || len(f.ThreatIntel.ActiveCVEs) != 1 {
		t.Errorf("nested fields not decoded: %+v", f)
	}
}
