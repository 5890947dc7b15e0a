package admission

import (
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/audit"
	"github.com/shizukutanaka/Komainu/internal/monitoring"
	"github.com/shizukutanaka/Komainu/internal/risk"
)

// Deny reasons surfaced to callers
const (
	ReasonBlocked     = "blocked"
	ReasonRateLimited = "rate_limited"
	ReasonRiskBlocked = "risk_blocked"

	outcomeAdmitted = "admitted"
)

// Request is one inbound non-transactional event.
type Request struct {
	Identity       string
	Class          string
	Resource       string
	NetworkAddress string
}

// TransactionRequest is one inbound transactional event; it additionally
// runs risk scoring after the block and rate checks.
type TransactionRequest struct {
	Request
	EntityType        string
	EntityID          string
	Amount            float64
	UserAgent         string
	DeviceFingerprint string
}

// RateInfo is rate-limit state suitable for response headers.
type RateInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Decision is the gateway's terminal state for one event.
type Decision struct {
	Allowed    bool             `json:"allowed"`
	Reason     string           `json:"reason,omitempty"`
	RetryAfter time.Duration    `json:"retry_after,omitempty"`
	RateLimit  RateInfo         `json:"rate_limit"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
}

// GatewayConfig holds the gateway's policy knobs.
type GatewayConfig struct {
	// Block the identity registry-wide when risk scoring returns blocked
	AutoBlockOnCriticalRisk bool
	RiskBlockDuration       time.Duration

	// Deny transactions when the risk collaborators are unreachable
	// instead of falling back to in-memory scoring
	FailClosed bool
}

// Gateway runs each inbound event through the admission pipeline:
// block check, then rate check, then risk check for transactional events.
// Every terminal transition emits an audit entry.
type Gateway struct {
	logger   *zap.Logger
	config   GatewayConfig
	registry *Registry
	limiter  *Limiter
	scorer   *risk.Scorer
	trail    *audit.Trail
	metrics  *monitoring.Metrics
}

// NewGateway wires the admission pipeline. scorer and metrics may be nil.
func NewGateway(logger *zap.Logger, config GatewayConfig, registry *Registry, limiter *Limiter, scorer *risk.Scorer, trail *audit.Trail, metrics *monitoring.Metrics) *Gateway {
	if config.RiskBlockDuration <= 0 {
		config.RiskBlockDuration = time.Hour
	}
	return &Gateway{
		logger:   logger,
		config:   config,
		registry: registry,
		limiter:  limiter,
		scorer:   scorer,
		trail:    trail,
		metrics:  metrics,
	}
}

// Check runs the pipeline for a non-transactional event.
func (g *Gateway) Check(req Request) Decision {
	decision, rejected := g.checkBlockAndRate(req, "admission_check")
	if rejected {
		return decision
	}

	g.audit(req, "admission_check", audit.ResultGranted)
	g.count(outcomeAdmitted)

	return decision
}

// CheckTransaction runs the pipeline for a transactional event, adding the
// risk check after the rate check.
func (g *Gateway) CheckTransaction(req TransactionRequest) Decision {
	decision, rejected := g.checkBlockAndRate(req.Request, "transaction_check")
	if rejected {
		return decision
	}

	var assessment *risk.Assessment
	if g.scorer != nil {
		a, err := g.scorer.Assess(risk.Input{
			Identity:          req.Identity,
			EntityType:        req.EntityType,
			EntityID:          req.EntityID,
			TransactionAmount: req.Amount,
			NetworkAddress:    req.NetworkAddress,
			UserAgent:         req.UserAgent,
			DeviceFingerprint: req.DeviceFingerprint,
		})
		assessment = &a

		if g.metrics != nil {
			g.metrics.RiskAssessments.WithLabelValues(string(a.Level)).Inc()
		}

		if err != nil && g.config.FailClosed {
			g.audit(req.Request, "transaction_check", audit.ResultDenied)
			g.count(ReasonRiskBlocked)
			return Decision{
				Allowed:    false,
				Reason:     ReasonRiskBlocked,
				Assessment: assessment,
			}
		}

		if a.Blocked {
			g.audit(req.Request, "transaction_check", audit.ResultDenied)
			g.count(ReasonRiskBlocked)

			// Policy decision, not mandated by the scorer itself
			if g.config.AutoBlockOnCriticalRisk && req.Identity != "" {
				g.registry.Block(req.Identity, g.config.RiskBlockDuration, "critical risk score")
				g.updateBlockGauge()
			}

			return Decision{
				Allowed:    false,
				Reason:     ReasonRiskBlocked,
				Assessment: assessment,
			}
		}
	}

	g.audit(req.Request, "transaction_check", audit.ResultGranted)
	g.count(outcomeAdmitted)

	decision.Assessment = assessment
	return decision
}

// ReportAuthResult records an authentication outcome in the audit trail and
// returns whether a burst anomaly was detected for the identity. The caller
// decides whether to act on the signal.
func (g *Gateway) ReportAuthResult(identity, networkAddress string, success bool) bool {
	action := "login"
	result := audit.ResultSuccess
	if !success {
		action = audit.ActionFailedLogin
		result = audit.ResultFailure
	}

	g.trail.Record(identity, action, "authentication", result, networkAddress)
	if g.metrics != nil {
		g.metrics.AuditEntries.Inc()
	}

	if success {
		return false
	}

	anomaly := g.trail.DetectAnomaly(identity, audit.ActionFailedLogin)
	if anomaly && g.metrics != nil {
		g.metrics.AnomalyAlerts.Inc()
	}
	return anomaly
}

// checkBlockAndRate runs the BLOCK_CHECK and RATE_CHECK states. The block
// check comes first so blocked identities never consume limiter slots.
func (g *Gateway) checkBlockAndRate(req Request, action string) (Decision, bool) {
	if blocked, rec := g.registry.IsBlocked(req.Identity); blocked {
		g.audit(req, action, audit.ResultDenied)
		g.count(ReasonBlocked)

		d := Decision{
			Allowed: false,
			Reason:  ReasonBlocked,
		}
		if rec.Until != nil {
			d.RetryAfter = rec.Until.Sub(g.limiter.clock.Now())
		}
		return d, true
	}

	result := g.limiter.Admit(req.Identity, req.Class)
	if !result.Allowed {
		g.audit(req, action, audit.ResultDenied)
		g.count(ReasonRateLimited)
		if result.Escalated {
			g.updateBlockGauge()
		}

		return Decision{
			Allowed:    false,
			Reason:     ReasonRateLimited,
			RetryAfter: result.RetryAfter,
			RateLimit: RateInfo{
				Limit:     result.Limit,
				Remaining: result.Remaining,
				Reset:     result.Reset,
			},
		}, true
	}

	return Decision{
		Allowed: true,
		RateLimit: RateInfo{
			Limit:     result.Limit,
			Remaining: result.Remaining,
			Reset:     result.Reset,
		},
	}, false
}

func (g *Gateway) audit(req Request, action, result string) {
	g.trail.Record(req.Identity, action, req.Resource, result, req.NetworkAddress)
	if g.metrics != nil {
		g.metrics.AuditEntries.Inc()
	}
}

func (g *Gateway) count(outcome string) {
	if g.metrics != nil {
		g.metrics.DecisionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) updateBlockGauge() {
	if g.metrics != nil {
		g.metrics.ActiveBlocks.Set(float64(g.registry.Count()))
	}
}
