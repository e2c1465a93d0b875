// Package storetest checks that an execution.Store implementation honours
// the transaction and active-set semantics the Executor relies on.
package storetest

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

var (
	protocolA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	protocolB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	errAbort  = errors.New("abort")
)

func id(n byte) common.Hash {
	return common.BytesToHash([]byte{n})
}

func record(n byte, protocol common.Address) *types.ReportRecord {
	return &types.ReportRecord{
		Report: types.ThreatReport{
			ReportID:        id(n),
			AgentID:         "agent-1",
			Exists:          true,
			TargetProtocol:  protocol,
			Action:          types.ActionPause,
			Severity:        types.SeverityCritical,
			ConfidenceScore: 9600,
			DONSignatures:   []byte{0xde, 0xad},
		},
		Active: true,
	}
}

// Run exercises newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) execution.Store) {
	t.Run("report round trip", func(t *testing.T) {
		s := newStore(t)
		must(t, s.Update(func(tx execution.Tx) error { return tx.PutReport(record(1, protocolA)) }))
		must(t, s.View(func(tx execution.Tx) error {
			rec, err := tx.Report(id(1))
			if err != nil {
				return err
			}
			if rec == nil || !rec.Active || rec.Report.ConfidenceScore != 9600 || len(rec.Report.DONSignatures) != 2 {
				t.Errorf("Report(1) = %+v", rec)
			}
			missing, err := tx.Report(id(2))
			if missing != nil {
				t.Errorf("Report(2) = %+v, want nil", missing)
			}
			return err
		}))
	})

	t.Run("swap and pop keeps other ids", func(t *testing.T) {
		s := newStore(t)
		must(t, s.Update(func(tx execution.Tx) error {
			for n := byte(1); n <= 4; n++ {
				if err := tx.AppendActive(protocolA, id(n)); err != nil {
					return err
				}
			}
			return tx.AppendActive(protocolB, id(9))
		}))
		must(t, s.Update(func(tx execution.Tx) error { return tx.RemoveActive(protocolA, id(2)) }))
		assertActive(t, s, protocolA, id(1), id(4), id(3))
		must(t, s.Update(func(tx execution.Tx) error { return tx.RemoveActive(protocolA, id(3)) }))
		assertActive(t, s, protocolA, id(1), id(4))
		must(t, s.Update(func(tx execution.Tx) error { return tx.RemoveActive(protocolA, id(7)) }))
		assertActive(t, s, protocolA, id(1), id(4))
		must(t, s.Update(func(tx execution.Tx) error {
			if err := tx.RemoveActive(protocolA, id(1)); err != nil {
				return err
			}
			return tx.RemoveActive(protocolA, id(4))
		}))
		assertActive(t, s, protocolA)
		assertActive(t, s, protocolB, id(9))
	})

	t.Run("failed update leaves no trace", func(t *testing.T) {
		s := newStore(t)
		must(t, s.Update(func(tx execution.Tx) error {
			if err := tx.AppendActive(protocolA, id(1)); err != nil {
				return err
			}
			return tx.AppendActive(protocolA, id(2))
		}))
		err := s.Update(func(tx execution.Tx) error {
			if err := tx.PutReport(record(3, protocolA)); err != nil {
				return err
			}
			if err := tx.AppendActive(protocolA, id(3)); err != nil {
				return err
			}
			if err := tx.RemoveActive(protocolA, id(1)); err != nil {
				return err
			}
			if err := tx.PutAgentBudget(types.AgentBudget{AgentID: "agent-1", CurrentEpoch: 4, ActionCount: 1}); err != nil {
				return err
			}
			if err := tx.SetEmergencyPaused(protocolA, true); err != nil {
				return err
			}
			return errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("Update error = %v, want errAbort", err)
		}
		assertActive(t, s, protocolA, id(1), id(2))
		must(t, s.View(func(tx execution.Tx) error {
			if rec, _ := tx.Report(id(3)); rec != nil {
				t.Error("aborted report is visible")
			}
			if b, _ := tx.AgentBudget("agent-1"); b.ActionCount != 0 {
				t.Errorf("aborted budget is visible: %+v", b)
			}
			if p, _ := tx.EmergencyPaused(protocolA); p {
				t.Error("aborted emergency pause is visible")
			}
			return nil
		}))
	})

	t.Run("failed removals restore order and index", func(t *testing.T) {
		s := newStore(t)
		must(t, s.Update(func(tx execution.Tx) error {
			for n := byte(1); n <= 5; n++ {
				if err := tx.AppendActive(protocolA, id(n)); err != nil {
					return err
				}
			}
			return nil
		}))
		err := s.Update(func(tx execution.Tx) error {
			// middle, then the tail, then the head
			for _, n := range []byte{2, 4, 1} {
				if err := tx.RemoveActive(protocolA, id(n)); err != nil {
					return err
				}
			}
			return errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("Update error = %v, want errAbort", err)
		}
		assertActive(t, s, protocolA, id(1), id(2), id(3), id(4), id(5))

		// Positions must be restored too, not only the order.
		must(t, s.Update(func(tx execution.Tx) error { return tx.RemoveActive(protocolA, id(2)) }))
		assertActive(t, s, protocolA, id(1), id(5), id(3), id(4))
		must(t, s.Update(func(tx execution.Tx) error { return tx.RemoveActive(protocolA, id(1)) }))
		assertActive(t, s, protocolA, id(4), id(5), id(3))
	})

	t.Run("budgets and emergency pause", func(t *testing.T) {
		s := newStore(t)
		must(t, s.View(func(tx execution.Tx) error {
			b, err := tx.AgentBudget("nobody")
			if b.AgentID != "nobody" || b.ActionCount != 0 {
				t.Errorf("unknown agent budget = %+v", b)
			}
			return err
		}))
		must(t, s.Update(func(tx execution.Tx) error {
			if err := tx.PutAgentBudget(types.AgentBudget{AgentID: "agent-1", CurrentEpoch: 7, ActionCount: 3}); err != nil {
				return err
			}
			return tx.SetEmergencyPaused(protocolB, true)
		}))
		must(t, s.View(func(tx execution.Tx) error {
			if b, _ := tx.AgentBudget("agent-1"); b.CurrentEpoch != 7 || b.ActionCount != 3 {
				t.Errorf("AgentBudget = %+v", b)
			}
			if p, _ := tx.EmergencyPaused(protocolB); !p {
				t.Error("protocol B should be paused")
			}
			if p, _ := tx.EmergencyPaused(protocolA); p {
				t.Error("protocol A should not be paused")
			}
			return nil
		}))
		must(t, s.Update(func(tx execution.Tx) error { return tx.SetEmergencyPaused(protocolB, false) }))
		must(t, s.View(func(tx execution.Tx) error {
			if p, _ := tx.EmergencyPaused(protocolB); p {
				t.Error("protocol B pause not cleared")
			}
			return nil
		}))
	})

	t.Run("view rejects writes", func(t *testing.T) {
		s := newStore(t)
		err := s.View(func(tx execution.Tx) error { return tx.AppendActive(protocolA, id(1)) })
		if err == nil {
			t.Error("write inside View succeeded")
		}
	})
}

func assertActive(t *testing.T, s execution.Store, protocol common.Address, want ...common.Hash) {
	t.Helper()
	var got []common.Hash
	must(t, s.View(func(tx execution.Tx) error {
		var err error
		got, err = tx.ActiveReports(protocol)
		return err
	}))
	if len(got) != len(want) {
		t.Fatalf("active(%s) = %v, want %v", protocol.Hex(), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active(%s)[%d] = %s, want %s", protocol.Hex(), i, got[i].Hex(), want[i].Hex())
		}
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
