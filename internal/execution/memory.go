package execution

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// activeArena holds a protocol's active report ids in a dense slice with a
// position index, so removal is O(1).
type activeArena struct {
	ids   []common.Hash
	index map[common.Hash]int
}

func newActiveArena() *activeArena {
	return &activeArena{index: make(map[common.Hash]int)}
}

func (a *activeArena) append(id common.Hash) {
	if _, ok := a.index[id]; ok {
		return
	}
	a.index[id] = len(a.ids)
	a.ids = append(a.ids, id)
}

func (a *activeArena) remove(id common.Hash) bool {
	pos, ok := a.index[id]
	if !ok {
		return false
	}
	last := len(a.ids) - 1
	if pos != last {
		moved := a.ids[last]
		a.ids[pos] = moved
		a.index[moved] = pos
	}
	a.ids = a.ids[:last]
	delete(a.index, id)
	return true
}

// restore reverses remove(id), where id sat at pos and moved was the tail
// element at last before the swap.
func (a *activeArena) restore(id common.Hash, pos int, moved common.Hash, last int) {
	if pos == last {
		a.ids = append(a.ids, id)
		a.index[id] = pos
		return
	}
	a.ids = append(a.ids, moved)
	a.ids[pos] = id
	a.index[moved] = last
	a.index[id] = pos
}

// MemoryStore keeps execution state in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[common.Hash]types.ReportRecord
	active  map[common.Address]*activeArena
	budgets map[string]types.AgentBudget
	paused  map[common.Address]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[common.Hash]types.ReportRecord),
		active:  make(map[common.Address]*activeArena),
		budgets: make(map[string]types.AgentBudget),
		paused:  make(map[common.Address]bool),
	}
}

// Update implements Store. Writes are journaled and undone if fn fails.
func (s *MemoryStore) Update(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, writable: true}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// View implements Store.
func (s *MemoryStore) View(fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

type memTx struct {
	s        *MemoryStore
	writable bool
	undo     []func()
}

func (tx *memTx) checkWritable() error {
	if !tx.writable {
		return errReadOnlyTx
	}
	return nil
}

func (tx *memTx) Report(id common.Hash) (*types.ReportRecord, error) {
	rec, ok := tx.s.reports[id]
	if !ok {
		return nil, nil
	}
	rec.Report.DONSignatures = append([]byte(nil), rec.Report.DONSignatures...)
	rec.Report.Citations = append([]string(nil), rec.Report.Citations...)
	return &rec, nil
}

func (tx *memTx) PutReport(rec *types.ReportRecord) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	id := rec.Report.ReportID
	prev, existed := tx.s.reports[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.reports[id] = prev
		} else {
			delete(tx.s.reports, id)
		}
	})
	stored := *rec
	stored.Report.DONSignatures = append([]byte(nil), rec.Report.DONSignatures...)
	stored.Report.Citations = append([]string(nil), rec.Report.Citations...)
	tx.s.reports[id] = stored
	return nil
}

func (tx *memTx) ActiveReports(protocol common.Address) ([]common.Hash, error) {
	a, ok := tx.s.active[protocol]
	if !ok {
		return []common.Hash{}, nil
	}
	return append([]common.Hash{}, a.ids...), nil
}

func (tx *memTx) AppendActive(protocol common.Address, id common.Hash) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	a, ok := tx.s.active[protocol]
	if !ok {
		a = newActiveArena()
		tx.s.active[protocol] = a
	}
	if _, dup := a.index[id]; dup {
		return nil
	}
	a.append(id)
	tx.undo = append(tx.undo, func() { a.remove(id) })
	return nil
}

func (tx *memTx) RemoveActive(protocol common.Address, id common.Hash) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	a, ok := tx.s.active[protocol]
	if !ok {
		return nil
	}
	pos, ok := a.index[id]
	if !ok {
		return nil
	}
	last := len(a.ids) - 1
	moved := a.ids[last]
	a.remove(id)
	tx.undo = append(tx.undo, func() { a.restore(id, pos, moved, last) })
	return nil
}

func (tx *memTx) AgentBudget(agentID string) (types.AgentBudget, error) {
	b, ok := tx.s.budgets[agentID]
	if !ok {
		return types.AgentBudget{AgentID: agentID}, nil
	}
	return b, nil
}

func (tx *memTx) PutAgentBudget(b types.AgentBudget) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev, existed := tx.s.budgets[b.AgentID]
	tx.undo = append(tx.undo, func() {
		if existed {
			tx.s.budgets[b.AgentID] = prev
		} else {
			delete(tx.s.budgets, b.AgentID)
		}
	})
	tx.s.budgets[b.AgentID] = b
	return nil
}

func (tx *memTx) EmergencyPaused(protocol common.Address) (bool, error) {
	return tx.s.paused[protocol], nil
}

func (tx *memTx) SetEmergencyPaused(protocol common.Address, paused bool) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	prev := tx.s.paused[protocol]
	tx.undo = append(tx.undo, func() { tx.s.paused[protocol] = prev })
	tx.s.paused[protocol] = paused
	return nil
}
