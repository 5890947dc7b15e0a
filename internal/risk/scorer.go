package risk

import (
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
	apperrors "github.com/shizukutanaka/Komainu/internal/errors"
)

// Level classifies a summed risk score
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Indicator weights. Indicators are independent; every triggered indicator
// contributes its weight and the sum has no upper clamp.
const (
	weightAnonymousActor   = 30
	weightHighVelocity     = 40
	weightSuspiciousOrigin = 20
	weightHighValue        = 15
)

// Indicator names recorded on assessments
const (
	IndicatorAnonymousActor   = "anonymous_actor"
	IndicatorHighVelocity     = "high_transaction_velocity"
	IndicatorSuspiciousOrigin = "suspicious_network_origin"
	IndicatorHighValue        = "high_transaction_value"
)

// Assessment is the immutable result of scoring one event. It is persisted
// regardless of outcome and never mutated afterwards.
type Assessment struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Indicators []string  `json:"indicators"`
	Score      int       `json:"score"`
	Level      Level     `json:"level"`
	Blocked    bool      `json:"blocked"`
	Timestamp  time.Time `json:"timestamp"`
}

// Input carries the event attributes under assessment.
type Input struct {
	Identity          string
	EntityType        string
	EntityID          string
	TransactionAmount float64
	NetworkAddress    string
	UserAgent         string
	DeviceFingerprint string
}

// EventCounter supplies recent-event counts from the transaction store.
// Read-only collaborator; unreachability degrades to a zero count.
type EventCounter interface {
	CountRecentEvents(identity string, since time.Time) (int, error)
}

// Store persists assessments for audit and later pattern analysis.
type Store interface {
	SaveAssessment(a Assessment) error
}

// DegradedRecorder receives notice when a collaborator is unreachable.
type DegradedRecorder interface {
	RecordDegraded(component string, err error)
}

// Config defines risk scoring parameters
type Config struct {
	// Amount above which the high-value indicator triggers
	LargeTransactionThreshold float64

	// Trailing window for the velocity indicator
	VelocityWindow time.Duration

	// Event count above which the velocity indicator triggers
	VelocityThreshold int
}

// Scorer computes additive risk scores for transaction-like events.
// Scoring itself is pure: identical inputs and an unchanged recent-event
// count always produce the same score and level.
type Scorer struct {
	logger   *zap.Logger
	clock    clock.Clock
	config   Config
	counter  EventCounter
	store    Store
	degraded DegradedRecorder
}

// NewScorer creates a risk scorer. store and degraded may be nil.
func NewScorer(logger *zap.Logger, clk clock.Clock, config Config, counter EventCounter, store Store, degraded DegradedRecorder) *Scorer {
	if config.LargeTransactionThreshold <= 0 {
		config.LargeTransactionThreshold = 10000
	}
	if config.VelocityWindow <= 0 {
		config.VelocityWindow = 10 * time.Minute
	}
	if config.VelocityThreshold <= 0 {
		config.VelocityThreshold = 5
	}

	return &Scorer{
		logger:   logger,
		clock:    clk,
		config:   config,
		counter:  counter,
		store:    store,
		degraded: degraded,
	}
}

// Assess evaluates every indicator for the event, classifies the summed
// score, and persists the assessment. Even low-risk assessments are recorded
// to support later pattern analysis.
//
// A non-nil error reports an unreachable collaborator. The assessment is
// still computed fail-open from in-memory state; callers running a
// fail-closed policy may deny on the error instead.
func (s *Scorer) Assess(in Input) (Assessment, error) {
	now := s.clock.Now()

	var collaboratorErr error
	score := 0
	indicators := make([]string, 0, 4)

	if in.Identity == "" {
		score += weightAnonymousActor
		indicators = append(indicators, IndicatorAnonymousActor)
	}

	if in.Identity != "" && s.counter != nil {
		since := now.Add(-s.config.VelocityWindow)
		count, err := s.counter.CountRecentEvents(in.Identity, since)
		if err != nil {
			// Fail open: an unreachable event store never blocks the caller,
			// but the degraded condition is recorded.
			collaboratorErr = apperrors.NewCollaborator("event_counter", err)
			if s.degraded != nil {
				s.degraded.RecordDegraded("event_counter", err)
			}
		} else if count > s.config.VelocityThreshold {
			score += weightHighVelocity
			indicators = append(indicators, IndicatorHighVelocity)
		}
	}

	if suspiciousOrigin(in.NetworkAddress) {
		score += weightSuspiciousOrigin
		indicators = append(indicators, IndicatorSuspiciousOrigin)
	}

	if in.TransactionAmount > s.config.LargeTransactionThreshold {
		score += weightHighValue
		indicators = append(indicators, IndicatorHighValue)
	}

	level := classify(score)

	assessment := Assessment{
		ID:         uuid.NewString(),
		Identity:   in.Identity,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Indicators: indicators,
		Score:      score,
		Level:      level,
		Blocked:    level == LevelCritical,
		Timestamp:  now,
	}

	if s.store != nil {
		if err := s.store.SaveAssessment(assessment); err != nil {
			if s.degraded != nil {
				s.degraded.RecordDegraded("assessment_store", err)
			}
		}
	}

	if assessment.Blocked {
		s.logger.Warn("transaction blocked by risk assessment",
			zap.String("assessment_id", assessment.ID),
			zap.String("entity_type", in.EntityType),
			zap.String("entity_id", in.EntityID),
			zap.Int("score", score),
			zap.Strings("indicators", indicators),
		)
	}

	return assessment, collaboratorErr
}

func classify(score int) Level {
	switch {
	case score >= 70:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// suspiciousOrigin reports whether the address matches a private or
// proxy-like pattern. Unparseable or empty addresses are skipped, not
// treated as suspicious.
func suspiciousOrigin(addr string) bool {
	if addr == "" {
		return false
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	return ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified()
}
