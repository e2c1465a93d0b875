package execution

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

var errReadOnlyTx = errors.New("write in read-only transaction")

// Store persists the execution state. Update runs fn as one atomic
// transaction: if fn returns an error no write it made is visible.
type Store interface {
	Update(fn func(tx Tx) error) error
	View(fn func(tx Tx) error) error
	Close() error
}

// Tx is the state visible inside one Store transaction.
type Tx interface {
	// Report returns nil when id was never recorded.
	Report(id common.Hash) (*types.ReportRecord, error)
	PutReport(rec *types.ReportRecord) error

	ActiveReports(protocol common.Address) ([]common.Hash, error)
	AppendActive(protocol common.Address, id common.Hash) error
	// RemoveActive moves the last active id into the removed slot and
	// shrinks the set by one.
	RemoveActive(protocol common.Address, id common.Hash) error

	// AgentBudget returns a zero budget for an unknown agent.
	AgentBudget(agentID string) (types.AgentBudget, error)
	PutAgentBudget(b types.AgentBudget) error

	EmergencyPaused(protocol common.Address) (bool, error)
	SetEmergencyPaused(protocol common.Address, paused bool) error
}
