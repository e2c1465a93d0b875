package sentinel

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/pkg/relay"
)

// Dispatcher sends alerts to the cross-chain relay.
type Dispatcher interface {
	AlertFromReport(r *types.ThreatReport) *relay.Alert
	Dispatch(ctx context.Context, alert *relay.Alert) error
}

// RelayNotifier forwards executed reports that must propagate across chains.
// It runs after the executor commit and dispatches in the background.
type RelayNotifier struct {
	client  Dispatcher
	log     *logrus.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewRelayNotifier creates a notifier over client.
func NewRelayNotifier(client Dispatcher, timeout time.Duration, log *logrus.Logger) *RelayNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayNotifier{client: client, log: log, timeout: timeout}
}

// Notify implements execution.Notifier.
func (n *RelayNotifier) Notify(ctx context.Context, ev execution.Event) {
	if ev.Kind != execution.EventActionExecuted || !relay.ShouldRelay(ev.Report) {
		return
	}
	alert := n.client.AlertFromReport(ev.Report)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		if err := n.client.Dispatch(dctx, alert); err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"report_id": alert.ReportID,
				"action":    alert.Action,
			}).Error("Failed to relay alert")
			return
		}
		n.log.WithFields(logrus.Fields{
			"report_id":    alert.ReportID,
			"destinations": len(alert.Destinations),
		}).Info("Alert relayed")
	}()
}

// Wait blocks until every in-flight dispatch has finished.
func (n *RelayNotifier) Wait() {
	n.wg.Wait()
}
