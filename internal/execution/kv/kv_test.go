package kv

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution/storetest"
	"github.com/invisible-tech/defi-threat-sentinel/internal/testutil"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

func setupDB(t testing.TB) *Store {
	db, err := NewKVStore(t.TempDir())
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, db.Close(), "Failed to close database")
	})
	return db
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) execution.Store {
		return setupDB(t)
	})
}

type registry struct{}

func (registry) ActiveAgents() []string { return []string{"agent-1"} }
func (registry) ActiveProtocols() []common.Address {
	return []common.Address{testutil.ProtocolAddress}
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }

	db, err := NewKVStore(dir)
	require.NoError(t, err)
	exec := execution.NewExecutor(execution.DefaultConfig(), db, nil, logrus.New(), execution.WithClock(now))
	exec.SyncRegistry(registry{})

	report := &types.ThreatReport{
		ReportID:        common.HexToHash("0xabc1"),
		AgentID:         "agent-1",
		TargetProtocol:  testutil.ProtocolAddress,
		Action:          types.ActionPause,
		Severity:        types.SeverityCritical,
		ConfidenceScore: 9700,
		Timestamp:       uint64(now().Unix()),
		DONSignatures:   []byte{0x01},
	}
	require.NoError(t, exec.ExecuteAction(ctx, report))
	require.NoError(t, db.Close())

	db, err = NewKVStore(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()
	exec = execution.NewExecutor(execution.DefaultConfig(), db, nil, logrus.New(), execution.WithClock(now))
	exec.SyncRegistry(registry{})

	rec, err := exec.Report(report.ReportID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Active)
	require.True(t, rec.Report.Exists)
	require.Equal(t, uint64(9700), rec.Report.ConfidenceScore)

	budget, err := exec.AgentBudget("agent-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), budget.ActionCount)

	err = exec.ExecuteAction(ctx, report)
	require.ErrorIs(t, err, execution.ErrDuplicateReport)
}

func TestNewKVStore_Locked(t *testing.T) {
	dir := t.TempDir()
	db, err := NewKVStore(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = NewKVStore(dir)
	require.ErrorContains(t, err, "cannot obtain database lock")
}
