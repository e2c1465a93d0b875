// Package execution is the trust boundary of the sentinel: the only code
// allowed to change durable protective state.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// Permissions checked against the Authorizer for privileged entry points.
const (
	PermLiftAction         = "lift_action"
	PermEmergencyPause     = "emergency_pause"
	PermLiftEmergencyPause = "lift_emergency_pause"
)

var (
	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_executor_decisions_total",
			Help: "State machine calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	activeReportsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_active_reports",
			Help: "Active protective reports per protocol",
		},
		[]string{"protocol"},
	)
)

func init() {
	prometheus.MustRegister(decisions)
	prometheus.MustRegister(activeReportsGauge)
}

// Config bounds what the pipeline may do on its own.
type Config struct {
	ConfidenceThresholdBps uint64
	EpochDuration          time.Duration
	ActionBudgetPerEpoch   uint64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThresholdBps: 7000,
		EpochDuration:          time.Hour,
		ActionBudgetPerEpoch:   5,
	}
}

// Authorizer decides whether caller may perform a privileged operation.
type Authorizer interface {
	Allow(ctx context.Context, caller, permission string) (bool, error)
}

// Registry is the set of agents and protocols allowed to take part.
type Registry interface {
	ActiveAgents() []string
	ActiveProtocols() []common.Address
}

// EventKind identifies a committed state transition.
type EventKind string

const (
	EventActionExecuted       EventKind = "action_executed"
	EventActionLifted         EventKind = "action_lifted"
	EventEmergencyPause       EventKind = "emergency_pause"
	EventEmergencyPauseLifted EventKind = "emergency_pause_lifted"
)

// Event describes a transition after it has been committed.
type Event struct {
	Kind     EventKind
	Protocol common.Address
	Report   *types.ThreatReport
	Caller   string
	At       time.Time
}

// Notifier observes committed transitions. It may call back into the
// Executor.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithNotifier adds an observer of committed transitions.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifiers = append(e.notifiers, n) }
}

// Executor validates and commits protective actions.
type Executor struct {
	cfg   Config
	store Store
	authz Authorizer
	log   *logrus.Logger
	now   func() time.Time

	// mu serializes every mutating entry point from validation to commit.
	mu sync.Mutex

	regMu     sync.RWMutex
	agents    sets.Set[string]
	protocols sets.Set[common.Address]

	notifiers []Notifier
}

// NewExecutor creates an executor over store. A nil authz denies every
// privileged call.
func NewExecutor(cfg Config, store Store, authz Authorizer, log *logrus.Logger, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.EpochDuration <= 0 {
		cfg.EpochDuration = def.EpochDuration
	}
	e := &Executor{
		cfg:       cfg,
		store:     store,
		authz:     authz,
		log:       log,
		now:       time.Now,
		agents:    sets.New[string](),
		protocols: sets.New[common.Address](),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SyncRegistry replaces the registered agents and protocols. The zero
// address is never registered.
func (e *Executor) SyncRegistry(r Registry) {
	agents := sets.New[string](r.ActiveAgents()...)
	protocols := sets.New[common.Address](r.ActiveProtocols()...)
	protocols.Delete(common.Address{})
	e.regMu.Lock()
	e.agents, e.protocols = agents, protocols
	e.regMu.Unlock()
	e.log.WithFields(logrus.Fields{"agents": agents.Len(), "protocols": protocols.Len()}).Info("Execution registry synced")
}

// ProtocolRegistered reports whether protocol may be acted on.
func (e *Executor) ProtocolRegistered(protocol common.Address) bool {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	return protocol != (common.Address{}) && e.protocols.Has(protocol)
}

// AgentRegistered reports whether agentID may submit reports.
func (e *Executor) AgentRegistered(agentID string) bool {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	return e.agents.Has(agentID)
}

func (e *Executor) epoch(t time.Time) uint64 {
	return uint64(t.UnixNano()) / uint64(e.cfg.EpochDuration)
}

// ExecuteAction records report as active against its protocol and charges
// the agent's epoch budget. Observers are notified only after the commit.
func (e *Executor) ExecuteAction(ctx context.Context, report *types.ThreatReport) error {
	ev, err := e.executeAction(report)
	e.observe("execute", err)
	if err != nil {
		fields := logrus.Fields{"kind": ErrorKind(err)}
		if report != nil {
			fields["report_id"] = report.ReportID.Hex()
			fields["agent_id"] = report.AgentID
			fields["protocol"] = report.TargetProtocol.Hex()
		}
		e.log.WithError(err).WithFields(fields).Warn("Report rejected")
		return err
	}
	e.log.WithFields(logrus.Fields{
		"report_id":  report.ReportID.Hex(),
		"agent_id":   report.AgentID,
		"protocol":   report.TargetProtocol.Hex(),
		"action":     report.Action,
		"severity":   report.Severity,
		"confidence": report.ConfidenceScore,
	}).Warn("PROTECTIVE ACTION EXECUTED")
	e.notify(ctx, ev)
	return nil
}

func (e *Executor) executeAction(report *types.ThreatReport) (Event, error) {
	if report == nil || len(report.DONSignatures) == 0 {
		return Event{}, ErrMissingSignatures
	}
	if report.ConfidenceScore < e.cfg.ConfidenceThresholdBps {
		return Event{}, fmt.Errorf("%w: %d < %d bps", ErrConfidenceTooLow, report.ConfidenceScore, e.cfg.ConfidenceThresholdBps)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	epoch := e.epoch(now)
	var active int
	err := e.store.Update(func(tx Tx) error {
		existing, err := tx.Report(report.ReportID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateReport
		}
		if !e.ProtocolRegistered(report.TargetProtocol) {
			return ErrProtocolNotRegistered
		}
		if !e.AgentRegistered(report.AgentID) {
			return ErrAgentNotRegistered
		}
		budget, err := tx.AgentBudget(report.AgentID)
		if err != nil {
			return err
		}
		if budget.CurrentEpoch != epoch {
			budget = types.AgentBudget{AgentID: report.AgentID, CurrentEpoch: epoch}
		}
		if budget.ActionCount >= e.cfg.ActionBudgetPerEpoch {
			return fmt.Errorf("%w: %d actions in epoch %d", ErrBudgetExhausted, budget.ActionCount, epoch)
		}

		stored := *report
		stored.Exists = true
		if err := tx.PutReport(&types.ReportRecord{Report: stored, Active: true}); err != nil {
			return err
		}
		if err := tx.AppendActive(report.TargetProtocol, report.ReportID); err != nil {
			return err
		}
		budget.ActionCount++
		if err := tx.PutAgentBudget(budget); err != nil {
			return err
		}
		ids, err := tx.ActiveReports(report.TargetProtocol)
		active = len(ids)
		return err
	})
	if err != nil {
		return Event{}, err
	}
	activeReportsGauge.WithLabelValues(report.TargetProtocol.Hex()).Set(float64(active))
	committed := *report
	committed.Exists = true
	return Event{Kind: EventActionExecuted, Protocol: report.TargetProtocol, Report: &committed, At: now}, nil
}

// LiftAction ends an active report. Other reports on the same protocol are
// unaffected; the protocol returns to normal when its last report is lifted.
func (e *Executor) LiftAction(ctx context.Context, caller string, reportID common.Hash) error {
	ev, err := e.liftAction(ctx, caller, reportID)
	e.observe("lift", err)
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"report_id": reportID.Hex(),
		"protocol":  ev.Protocol.Hex(),
		"caller":    caller,
	}).Info("Protective action lifted")
	e.notify(ctx, ev)
	return nil
}

func (e *Executor) liftAction(ctx context.Context, caller string, reportID common.Hash) (Event, error) {
	if err := e.authorize(ctx, caller, PermLiftAction); err != nil {
		return Event{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var (
		rec    *types.ReportRecord
		active int
	)
	err := e.store.Update(func(tx Tx) error {
		var err error
		rec, err = tx.Report(reportID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrUnknownReport
		}
		if !rec.Active {
			return ErrReportNotActive
		}
		rec.Active = false
		rec.LiftedAt = uint64(now.Unix())
		if err := tx.PutReport(rec); err != nil {
			return err
		}
		if err := tx.RemoveActive(rec.Report.TargetProtocol, reportID); err != nil {
			return err
		}
		ids, err := tx.ActiveReports(rec.Report.TargetProtocol)
		active = len(ids)
		return err
	})
	if err != nil {
		return Event{}, err
	}
	activeReportsGauge.WithLabelValues(rec.Report.TargetProtocol.Hex()).Set(float64(active))
	report := rec.Report
	return Event{Kind: EventActionLifted, Protocol: report.TargetProtocol, Report: &report, Caller: caller, At: now}, nil
}

// ExecuteEmergencyPause pauses protocol outside the pipeline. It is
// restricted to guardians and rejects a second pause while one is active.
func (e *Executor) ExecuteEmergencyPause(ctx context.Context, caller string, protocol common.Address) error {
	err := e.setEmergencyPause(ctx, caller, protocol, true)
	e.observe("emergency_pause", err)
	return err
}

// LiftEmergencyPause clears an outstanding emergency pause.
func (e *Executor) LiftEmergencyPause(ctx context.Context, caller string, protocol common.Address) error {
	err := e.setEmergencyPause(ctx, caller, protocol, false)
	e.observe("lift_emergency_pause", err)
	return err
}

func (e *Executor) setEmergencyPause(ctx context.Context, caller string, protocol common.Address, pause bool) error {
	perm, kind := PermEmergencyPause, EventEmergencyPause
	if !pause {
		perm, kind = PermLiftEmergencyPause, EventEmergencyPauseLifted
	}
	if err := e.authorize(ctx, caller, perm); err != nil {
		return err
	}

	e.mu.Lock()
	now := e.now()
	err := e.store.Update(func(tx Tx) error {
		if pause && !e.ProtocolRegistered(protocol) {
			return ErrProtocolNotRegistered
		}
		paused, err := tx.EmergencyPaused(protocol)
		if err != nil {
			return err
		}
		switch {
		case pause && paused:
			return ErrEmergencyPauseActive
		case !pause && !paused:
			return ErrNoEmergencyPause
		}
		return tx.SetEmergencyPaused(protocol, pause)
	})
	e.mu.Unlock()

	fields := logrus.Fields{"protocol": protocol.Hex(), "caller": caller}
	if err != nil {
		e.log.WithError(err).WithFields(fields).Warn("Emergency pause change rejected")
		return err
	}
	if pause {
		e.log.WithFields(fields).Warn("EMERGENCY PAUSE")
	} else {
		e.log.WithFields(fields).Info("Emergency pause lifted")
	}
	e.notify(ctx, Event{Kind: kind, Protocol: protocol, Caller: caller, At: now})
	return nil
}

func (e *Executor) authorize(ctx context.Context, caller, perm string) error {
	if e.authz == nil || caller == "" {
		return fmt.Errorf("%w: %s", ErrUnauthorized, perm)
	}
	ok, err := e.authz.Allow(ctx, caller, perm)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", perm, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q may not %s", ErrUnauthorized, caller, perm)
	}
	return nil
}

func (e *Executor) notify(ctx context.Context, ev Event) {
	for _, n := range e.notifiers {
		n.Notify(ctx, ev)
	}
}

func (e *Executor) observe(op string, err error) {
	outcome := ErrorKind(err)
	if outcome == "" {
		outcome = "ok"
	}
	decisions.WithLabelValues(op, outcome).Inc()
}

// Report returns the stored record for id, or nil when it does not exist.
func (e *Executor) Report(id common.Hash) (*types.ReportRecord, error) {
	var rec *types.ReportRecord
	err := e.store.View(func(tx Tx) error {
		var err error
		rec, err = tx.Report(id)
		return err
	})
	return rec, err
}

// ActiveReports returns the ids of the reports currently active on protocol.
func (e *Executor) ActiveReports(protocol common.Address) ([]common.Hash, error) {
	var ids []common.Hash
	err := e.store.View(func(tx Tx) error {
		var err error
		ids, err = tx.ActiveReports(protocol)
		return err
	})
	return ids, err
}

// IsUnderAction reports whether protocol has at least one active report.
func (e *Executor) IsUnderAction(protocol common.Address) (bool, error) {
	ids, err := e.ActiveReports(protocol)
	return len(ids) > 0, err
}

// EmergencyPaused reports whether protocol has an outstanding emergency pause.
func (e *Executor) EmergencyPaused(protocol common.Address) (bool, error) {
	var paused bool
	err := e.store.View(func(tx Tx) error {
		var err error
		paused, err = tx.EmergencyPaused(protocol)
		return err
	})
	return paused, err
}

// AgentBudget returns the agent's usage in the current epoch. A counter
// left over from an earlier epoch reads as zero.
func (e *Executor) AgentBudget(agentID string) (types.AgentBudget, error) {
	var b types.AgentBudget
	err := e.store.View(func(tx Tx) error {
		var err error
		b, err = tx.AgentBudget(agentID)
		return err
	})
	if err != nil {
		return types.AgentBudget{}, err
	}
	if epoch := e.epoch(e.now()); b.CurrentEpoch != epoch {
		b = types.AgentBudget{AgentID: agentID, CurrentEpoch: epoch}
	}
	return b, nil
}

// Remaining returns how many more actions agentID may take this epoch.
func (e *Executor) Remaining(agentID string) (uint64, error) {
	b, err := e.AgentBudget(agentID)
	if err != nil || b.ActionCount >= e.cfg.ActionBudgetPerEpoch {
		return 0, err
	}
	return e.cfg.ActionBudgetPerEpoch - b.ActionCount, nil
}

// ProtocolStatus summarizes protective state for protocol.
func (e *Executor) ProtocolStatus(protocol common.Address) (types.ProtocolStatus, error) {
	st := types.ProtocolStatus{Protocol: protocol, Registered: e.ProtocolRegistered(protocol)}
	err := e.store.View(func(tx Tx) error {
		ids, err := tx.ActiveReports(protocol)
		if err != nil {
			return err
		}
		st.ActiveReports = ids
		st.UnderAction = len(ids) > 0
		st.EmergencyPaused, err = tx.EmergencyPaused(protocol)
		return err
	})
	return st, err
}
