package execution_test

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) execution.Store {
		return execution.NewMemoryStore()
	})
}

func TestMemoryStore_RemoveCostIndependentOfActiveSet(t *testing.T) {
	const n = 100_000
	protocol := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hash := func(i uint64) common.Hash {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], i+1)
		return common.BytesToHash(b[:])
	}

	s := execution.NewMemoryStore()
	if err := s.Update(func(tx execution.Tx) error {
		for i := uint64(0); i < n; i++ {
			if err := tx.AppendActive(protocol, hash(i)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	const rounds = 50
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	for i := uint64(0); i < rounds; i++ {
		target := hash(n/2 + i)
		if err := s.Update(func(tx execution.Tx) error {
			if err := tx.RemoveActive(protocol, target); err != nil {
				return err
			}
			return tx.AppendActive(protocol, target)
		}); err != nil {
			t.Fatal(err)
		}
	}
	runtime.ReadMemStats(&after)

	// A copy of the active set alone would be 32 bytes per id.
	perRound := (after.TotalAlloc - before.TotalAlloc) / rounds
	if perRound > 4096 {
		t.Errorf("allocated %d bytes per removal with %d active ids", perRound, n)
	}
}
