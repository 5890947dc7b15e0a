package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
)

// Result values recorded on audit entries
const (
	ResultGranted = "granted"
	ResultDenied  = "denied"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ActionFailedLogin is the action the anomaly detector watches for
const ActionFailedLogin = "failed_login"

// Severity of an anomaly alert
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Entry is one append-only audit record. The identity is one-way hashed
// and the network address anonymized before the entry is stored.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	HashedIdentity string    `json:"hashed_identity"`
	Action         string    `json:"action"`
	Resource       string    `json:"resource"`
	Result         string    `json:"result"`
	NetworkAddress string    `json:"network_address,omitempty"`
}

// Alert is raised when the trail detects a burst anomaly. Alerts are never
// auto-resolved; they remain until explicitly cleared.
type Alert struct {
	ID             string    `json:"id"`
	Message        string    `json:"message"`
	HashedIdentity string    `json:"hashed_identity"`
	Severity       Severity  `json:"severity"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventSink mirrors audit entries to durable storage. Writes are dispatched
// without making the recording caller wait.
type EventSink interface {
	AppendAuditEvent(entry Entry) error
}

// Config contains audit trail configuration
type Config struct {
	// Ring buffer cap; oldest entries are dropped past this
	MaxEntries int

	// Trailing window inspected by DetectAnomaly
	AnomalyWindow time.Duration

	// Matching entries above this count raise an alert
	FailedLoginThreshold int
}

// Trail is the append-only, size-bounded security event log.
type Trail struct {
	logger *zap.Logger
	clock  clock.Clock
	config Config
	sink   EventSink
	sinkCh chan Entry

	mu      sync.RWMutex
	entries []Entry
	alerts  []Alert

	subMu       sync.Mutex
	subscribers map[chan Alert]struct{}
}

// NewTrail creates an audit trail. sink may be nil for in-memory-only operation.
func NewTrail(logger *zap.Logger, clk clock.Clock, config Config, sink EventSink) *Trail {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.AnomalyWindow <= 0 {
		config.AnomalyWindow = 5 * time.Minute
	}
	if config.FailedLoginThreshold <= 0 {
		config.FailedLoginThreshold = 5
	}

	t := &Trail{
		logger:      logger,
		clock:       clk,
		config:      config,
		sink:        sink,
		entries:     make([]Entry, 0, 1024),
		subscribers: make(map[chan Alert]struct{}),
	}

	if sink != nil {
		t.sinkCh = make(chan Entry, 1024)
		go t.sinkLoop()
	}

	return t
}

// sinkLoop drains mirror writes one at a time so recording stays
// non-blocking with a bounded number of outstanding writes.
func (t *Trail) sinkLoop() {
	for entry := range t.sinkCh {
		if err := t.sink.AppendAuditEvent(entry); err != nil {
			t.logger.Warn("audit event mirror write failed", zap.Error(err))
		}
	}
}

// Record appends an entry with the identity hashed and the address anonymized,
// trimming the log to its cap (oldest first).
func (t *Trail) Record(identity, action, resource, result, networkAddress string) Entry {
	entry := Entry{
		Timestamp:      t.clock.Now(),
		HashedIdentity: HashIdentity(identity),
		Action:         action,
		Resource:       resource,
		Result:         result,
		NetworkAddress: AnonymizeAddress(networkAddress),
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if len(t.entries) > t.config.MaxEntries {
		t.entries = t.entries[len(t.entries)-t.config.MaxEntries:]
	}
	t.mu.Unlock()

	if t.sink != nil {
		select {
		case t.sinkCh <- entry:
		default:
			t.logger.Warn("audit mirror backlog full, entry not mirrored")
		}
	}

	return entry
}

// RecordDegraded notes a collaborator outage in the trail. Admission decisions
// proceed on in-memory state; this keeps the degradation visible.
func (t *Trail) RecordDegraded(component string, err error) {
	t.logger.Warn("collaborator unavailable, continuing on in-memory state",
		zap.String("collaborator", component),
		zap.Error(err),
	)
	t.Record("system", "degraded_operation", component, ResultFailure, "")
}

// DetectAnomaly inspects recent entries for the given identity. It returns
// true and raises a high-severity alert when the count of failed_login
// entries inside the trailing window exceeds the configured threshold.
// No remediation happens here; callers decide whether to block.
func (t *Trail) DetectAnomaly(identity, action string) bool {
	if action != ActionFailedLogin {
		return false
	}

	hashed := HashIdentity(identity)
	cutoff := t.clock.Now().Add(-t.config.AnomalyWindow)

	t.mu.RLock()
	count := 0
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Timestamp.Before(cutoff) {
			break
		}
		if t.entries[i].HashedIdentity == hashed && t.entries[i].Action == action {
			count++
		}
	}
	t.mu.RUnlock()

	if count <= t.config.FailedLoginThreshold {
		return false
	}

	t.raiseAlert(Alert{
		ID:             uuid.NewString(),
		Message:        fmt.Sprintf("%d failed login attempts within %s", count, t.config.AnomalyWindow),
		HashedIdentity: hashed,
		Severity:       SeverityHigh,
		Timestamp:      t.clock.Now(),
	})

	return true
}

// Alerts returns all unresolved anomaly alerts, newest first.
func (t *Trail) Alerts() []Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Alert, len(t.alerts))
	for i, a := range t.alerts {
		out[len(t.alerts)-1-i] = a
	}
	return out
}

// ClearAlert removes an alert by ID. Returns false if no such alert exists.
func (t *Trail) ClearAlert(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, a := range t.alerts {
		if a.ID == id {
			t.alerts = append(t.alerts[:i], t.alerts[i+1:]...)
			return true
		}
	}
	return false
}

// Recent returns up to limit entries, newest first.
func (t *Trail) Recent(limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.entries) {
		limit = len(t.entries)
	}

	out := make([]Entry, 0, limit)
	for i := len(t.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.entries[i])
	}
	return out
}

// Len returns the number of retained entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Subscribe registers a channel that receives alerts as they fire.
// Slow subscribers are skipped, never blocked on.
func (t *Trail) Subscribe() chan Alert {
	ch := make(chan Alert, 16)
	t.subMu.Lock()
	t.subscribers[ch] = struct{}{}
	t.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (t *Trail) Unsubscribe(ch chan Alert) {
	t.subMu.Lock()
	if _, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
	}
	t.subMu.Unlock()
}

func (t *Trail) raiseAlert(alert Alert) {
	t.mu.Lock()
	t.alerts = append(t.alerts, alert)
	t.mu.Unlock()

	t.logger.Warn("anomaly alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("hashed_identity", alert.HashedIdentity),
		zap.String("message", alert.Message),
	)

	t.subMu.Lock()
	for ch := range t.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
	t.subMu.Unlock()
}

// HashIdentity one-way hashes an identity for storage in audit records.
func HashIdentity(identity string) string {
	if identity == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// AnonymizeAddress masks the last octet of IPv4 addresses and fully redacts
// anything else non-empty.
func AnonymizeAddress(addr string) string {
	if addr == "" {
		return ""
	}

	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "redacted"
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}
	return "redacted"
}
