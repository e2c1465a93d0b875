package execution

import "errors"

// Rejections. Each one leaves durable state untouched.
var (
	ErrMissingSignatures     = errors.New("report carries no DON signatures")
	ErrConfidenceTooLow      = errors.New("report confidence below threshold")
	ErrDuplicateReport       = errors.New("report already recorded")
	ErrProtocolNotRegistered = errors.New("protocol not registered")
	ErrAgentNotRegistered    = errors.New("agent not registered")
	ErrBudgetExhausted       = errors.New("agent action budget exhausted for epoch")
	ErrUnknownReport         = errors.New("unknown report")
	ErrReportNotActive       = errors.New("report not active")
	ErrEmergencyPauseActive  = errors.New("emergency pause already active")
	ErrNoEmergencyPause      = errors.New("no emergency pause active")
	ErrUnauthorized          = errors.New("caller not authorized")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrMissingSignatures, "missing_signatures"},
	{ErrConfidenceTooLow, "confidence_too_low"},
	{ErrDuplicateReport, "duplicate_report"},
	{ErrProtocolNotRegistered, "protocol_not_registered"},
	{ErrAgentNotRegistered, "agent_not_registered"},
	{ErrBudgetExhausted, "budget_exhausted"},
	{ErrUnknownReport, "unknown_report"},
	{ErrReportNotActive, "report_not_active"},
	{ErrEmergencyPauseActive, "emergency_pause_active"},
	{ErrNoEmergencyPause, "no_emergency_pause"},
	{ErrUnauthorized, "unauthorized"},
}

// ErrorKind returns a stable label for err, "" for nil and "internal" for
// anything that is not a state machine rejection.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

// IsRejection reports whether err is one of the state machine rejections.
func IsRejection(err error) bool {
	k := ErrorKind(err)
	return k != "" && k != "internal"
}
