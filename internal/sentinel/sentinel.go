// Package sentinel runs evaluation cycles: fetch telemetry, gate it, fan
// out to independent evaluators, reach consensus, escalate and execute.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/defi-threat-sentinel/internal/consensus"
	"github.com/invisible-tech/defi-threat-sentinel/internal/escalation"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/heuristic"
	"github.com/invisible-tech/defi-threat-sentinel/internal/registry"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
)

// Prometheus metrics (registered once).
var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_cycles_total",
			Help: "Evaluation cycles by terminal status",
		},
		[]string{"status"},
	)
	heuristicScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_heuristic_score",
			Help:    "Heuristic risk score per evaluated frame",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.85, 0.95, 1},
		},
	)
	judgmentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_judgment_calls_total",
			Help: "Evaluator judgment calls by outcome",
		},
		[]string{"outcome"},
	)
	cycleRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_cycle_rejections_total",
			Help: "Built reports the executor declined, by rejection kind",
		},
		[]string{"kind"},
	)
	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(heuristicScore)
	prometheus.MustRegister(judgmentCalls)
	prometheus.MustRegister(cycleRejections)
	prometheus.MustRegister(cycleDuration)
}

var (
	// ErrUnknownProtocol is returned for a protocol absent from the registry.
	ErrUnknownProtocol = errors.New("protocol not in registry")
	// ErrCycleInProgress is returned when the protocol already has a running cycle.
	ErrCycleInProgress = errors.New("cycle already running for protocol")
)

// TelemetrySource fetches the latest frame for a protocol.
type TelemetrySource interface {
	Fetch(ctx context.Context, protocol common.Address, chainID uint64) (*types.TelemetryFrame, error)
}

// Assessor is one independent evaluator.
type Assessor interface {
	Assess(ctx context.Context, frame *types.TelemetryFrame) (types.ThreatAssessment, error)
}

// ActionSink receives reports for execution.
type ActionSink interface {
	ExecuteAction(ctx context.Context, report *types.ThreatReport) error
}

// RegistrySource provides the current registry snapshot.
type RegistrySource interface {
	Current() *registry.Snapshot
}

// Config for the sentinel service.
type Config struct {
	AgentID   string
	Interval  time.Duration
	Retention int
}

// CycleResult is the record of one evaluation cycle.
type CycleResult struct {
	ID                string                 `json:"id"`
	Protocol          common.Address         `json:"protocol"`
	ChainID           uint64                 `json:"chainId"`
	Status            escalation.Status      `json:"status"`
	StartedAt         time.Time              `json:"startedAt"`
	Duration          time.Duration          `json:"duration"`
	HeuristicScore    float64                `json:"heuristicScore"`
	Citations         []string               `json:"citations,omitempty"`
	Evaluators        int                    `json:"evaluators"`
	EvaluatorFailures int                    `json:"evaluatorFailures"`
	Consensus         *types.ConsensusResult `json:"consensus,omitempty"`
	Report            *types.ThreatReport    `json:"report,omitempty"`
	// Rejection is the executor's rejection kind for a built report that was
	// not executed. The cycle itself still counts as reported.
	Rejection string `json:"rejection,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Service orchestrates evaluation cycles.
type Service struct {
	cfg        Config
	log        *logrus.Logger
	analyzer   *heuristic.Analyzer
	builder    *escalation.Builder
	telemetry  TelemetrySource
	evaluators []Assessor
	sink       ActionSink
	registry   RegistrySource
	now        func() time.Time

	cycles   []*CycleResult
	cyclesMu sync.RWMutex

	running   sets.Set[common.Address]
	runningMu sync.Mutex
}

// New creates a Service. Every evaluator is called once per gated cycle.
func New(cfg Config, log *logrus.Logger, telemetry TelemetrySource, evaluators []Assessor, sink ActionSink, reg RegistrySource) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	analyzer := heuristic.NewAnalyzer()
	return &Service{
		cfg:        cfg,
		log:        log,
		analyzer:   analyzer,
		builder:    escalation.NewBuilder(analyzer),
		telemetry:  telemetry,
		evaluators: evaluators,
		sink:       sink,
		registry:   reg,
		now:        time.Now,
		running:    sets.New[common.Address](),
	}
}

// Start runs a pass over every active protocol each interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.log.WithFields(logrus.Fields{
		"interval":   s.cfg.Interval,
		"evaluators": len(s.evaluators),
		"agent_id":   s.cfg.AgentID,
	}).Info("Starting sentinel")
	wait.UntilWithContext(ctx, s.runAll, s.cfg.Interval)
}

func (s *Service) runAll(ctx context.Context) {
	snap := s.registry.Current()
	if snap == nil {
		return
	}
	for _, p := range snap.ActiveProtocolEntries() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunCycle(ctx, p.Addr()); err != nil {
			s.log.WithError(err).WithField("protocol", p.Address).Debug("Cycle not started")
		}
	}
}

// RunCycle evaluates protocol once. The returned error is non-nil only when
// the cycle could not start; pipeline failures are reported in the result.
func (s *Service) RunCycle(ctx context.Context, protocol common.Address) (*CycleResult, error) {
	entry, ok := s.lookup(protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, protocol.Hex())
	}
	if !s.acquire(protocol) {
		return nil, fmt.Errorf("%w: %s", ErrCycleInProgress, protocol.Hex())
	}
	defer s.release(protocol)

	res := &CycleResult{
		ID:        uuid.NewString(),
		Protocol:  protocol,
		ChainID:   entry.ChainID,
		StartedAt: s.now(),
	}
	s.evaluate(ctx, res)
	res.Duration = time.Since(res.StartedAt)
	s.record(res)
	return res, nil
}

func (s *Service) lookup(protocol common.Address) (registry.Protocol, bool) {
	snap := s.registry.Current()
	if snap == nil {
		return registry.Protocol{}, false
	}
	p, ok := snap.Protocol(protocol)
	return p, ok && p.Active
}

func (s *Service) acquire(protocol common.Address) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running.Has(protocol) {
		return false
	}
	s.running.Insert(protocol)
	return true
}

func (s *Service) release(protocol common.Address) {
	s.runningMu.Lock()
	s.running.Delete(protocol)
	s.runningMu.Unlock()
}

func (s *Service) fail(res *CycleResult, stage string, err error) {
	res.Status = escalation.StatusError
	res.Error = fmt.Sprintf("%s: %v", stage, err)
}

func (s *Service) evaluate(ctx context.Context, res *CycleResult) {
	frame, err := s.telemetry.Fetch(ctx, res.Protocol, res.ChainID)
	if err != nil {
		s.fail(res, "telemetry", err)
		return
	}

	h := s.analyzer.Score(frame)
	heuristicScore.Observe(h.RiskScore)
	res.HeuristicScore = h.RiskScore
	res.Citations = h.CitationList()
	if !s.analyzer.PassesGate(h) {
		res.Status = escalation.StatusSkipped
		return
	}

	assessments, failures := s.fanOut(ctx, frame)
	res.Evaluators = len(s.evaluators)
	res.EvaluatorFailures = failures
	result, err := consensus.Aggregate(assessments)
	if err != nil {
		s.fail(res, "consensus", err)
		return
	}
	res.Consensus = &result
	agreed := consensus.ConsensusAssessment(assessments, result)

	report, status := s.builder.RunSentinelPipeline(s.cfg.AgentID, res.Protocol, frame, &agreed, result.AggregatedSignature, res.StartedAt)
	res.Status = status
	if report == nil {
		return
	}
	res.Report = report
	err = s.sink.ExecuteAction(ctx, report)
	switch {
	case err == nil:
	case execution.IsRejection(err):
		res.Rejection = execution.ErrorKind(err)
		cycleRejections.WithLabelValues(res.Rejection).Inc()
	default:
		s.fail(res, "execution", fmt.Errorf("%s: %w", execution.ErrorKind(err), err))
	}
}

// fanOut runs every evaluator in its own goroutine with its own result
// slot. Failed evaluators are dropped.
func (s *Service) fanOut(ctx context.Context, frame *types.TelemetryFrame) ([]types.ThreatAssessment, int) {
	results := make([]types.ThreatAssessment, len(s.evaluators))
	errs := make([]error, len(s.evaluators))
	var g errgroup.Group
	for i, ev := range s.evaluators {
		g.Go(func() error {
			results[i], errs[i] = ev.Assess(ctx, frame)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]types.ThreatAssessment, 0, len(results))
	failures := 0
	for i, err := range errs {
		if err != nil {
			failures++
			judgmentCalls.WithLabelValues("error").Inc()
			s.log.WithError(err).WithField("evaluator", i).Warn("Evaluator failed, excluded from consensus")
			continue
		}
		judgmentCalls.WithLabelValues("ok").Inc()
		out = append(out, results[i])
	}
	return out, failures
}

func (s *Service) record(res *CycleResult) {
	s.cyclesMu.Lock()
	s.cycles = append(s.cycles, res)
	if len(s.cycles) > s.cfg.Retention {
		s.cycles = s.cycles[len(s.cycles)-s.cfg.Retention:]
	}
	s.cyclesMu.Unlock()

	cyclesTotal.WithLabelValues(string(res.Status)).Inc()
	cycleDuration.Observe(res.Duration.Seconds())
	fields := logrus.Fields{
		"cycle_id":  res.ID,
		"protocol":  res.Protocol.Hex(),
		"status":    res.Status,
		"heuristic": res.HeuristicScore,
	}
	switch {
	case res.Status == escalation.StatusError:
		s.log.WithFields(fields).WithField("error", res.Error).Error("Cycle failed")
	case res.Rejection != "":
		fields["report_id"] = res.Report.ReportID.Hex()
		fields["action"] = res.Report.Action
		fields["rejection"] = res.Rejection
		s.log.WithFields(fields).Info("Report not executed")
	case res.Report != nil:
		fields["report_id"] = res.Report.ReportID.Hex()
		fields["action"] = res.Report.Action
		fields["severity"] = res.Report.Severity
		s.log.WithFields(fields).Warn("THREAT REPORTED")
	default:
		s.log.WithFields(fields).Debug("Cycle complete")
	}
}

// Cycles returns the most recent cycle results, up to limit.
func (s *Service) Cycles(limit int) []*CycleResult {
	s.cyclesMu.RLock()
	defer s.cyclesMu.RUnlock()
	n := len(s.cycles)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*CycleResult, limit)
	copy(out, s.cycles[n-limit:])
	return out
}

// Analyzer returns the heuristic analyzer used for gating.
func (s *Service) Analyzer() *heuristic.Analyzer {
	return s.analyzer
}
