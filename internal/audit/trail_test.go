package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
)

type captureSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *captureSink) AppendAuditEvent(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *captureSink) snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func createTestTrail(clk clock.Clock) *Trail {
	return NewTrail(zap.NewNop(), clk, Config{
		MaxEntries:           1000,
		AnomalyWindow:        5 * time.Minute,
		FailedLoginThreshold: 5,
	}, nil)
}

func TestHashIdentity(t *testing.T) {
	assert.Equal(t, "anonymous", HashIdentity(""))

	h1 := HashIdentity("alice")
	h2 := HashIdentity("alice")
	h3 := HashIdentity("bob")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
	assert.NotContains(t, h1, "alice")
}

func TestAnonymizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"ipv4", "203.0.113.45", "203.0.113.0"},
		{"ipv4 with port", "203.0.113.45:8443", "203.0.113.0"},
		{"ipv6", "2001:db8::1", "redacted"},
		{"ipv6 with port", "[2001:db8::1]:443", "redacted"},
		{"hostname", "evil.example.com", "redacted"},
		{"garbage", "not an address", "redacted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnonymizeAddress(tt.in))
		})
	}
}

func TestTrailRecordSanitizes(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := createTestTrail(clk)

	entry := trail.Record("alice", "login", "authentication", ResultSuccess, "203.0.113.45:8443")

	assert.Equal(t, HashIdentity("alice"), entry.HashedIdentity)
	assert.Equal(t, "203.0.113.0", entry.NetworkAddress)
	assert.Equal(t, clk.Now(), entry.Timestamp)

	recent := trail.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, entry, recent[0])
}

func TestTrailRingBufferDropsOldest(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := NewTrail(zap.NewNop(), clk, Config{
		MaxEntries:           3,
		AnomalyWindow:        5 * time.Minute,
		FailedLoginThreshold: 5,
	}, nil)

	for _, action := range []string{"a", "b", "c", "d"} {
		trail.Record("user", action, "r", ResultSuccess, "")
	}

	assert.Equal(t, 3, trail.Len())
	recent := trail.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Action)
	assert.Equal(t, "b", recent[2].Action)
}

func TestTrailDetectAnomaly(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := createTestTrail(clk)

	for i := 0; i < 5; i++ {
		trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "203.0.113.45:1")
		assert.False(t, trail.DetectAnomaly("victim", ActionFailedLogin))
		clk.Advance(10 * time.Second)
	}

	trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "203.0.113.45:1")
	assert.True(t, trail.DetectAnomaly("victim", ActionFailedLogin))

	alerts := trail.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, HashIdentity("victim"), alerts[0].HashedIdentity)
}

func TestTrailDetectAnomalyIgnoresOtherIdentitiesAndOldEntries(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := createTestTrail(clk)

	// Six failures, but the first three fall outside the window
	for i := 0; i < 3; i++ {
		trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "")
	}
	clk.Advance(6 * time.Minute)
	for i := 0; i < 3; i++ {
		trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "")
	}
	assert.False(t, trail.DetectAnomaly("victim", ActionFailedLogin))

	// Another identity's failures never count against the victim
	for i := 0; i < 10; i++ {
		trail.Record("other", ActionFailedLogin, "authentication", ResultFailure, "")
	}
	assert.False(t, trail.DetectAnomaly("victim", ActionFailedLogin))

	// Non-login actions are not anomaly candidates at all
	assert.False(t, trail.DetectAnomaly("victim", "data_export"))
}

func TestTrailAlertsPersistUntilCleared(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := createTestTrail(clk)

	for i := 0; i < 6; i++ {
		trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "")
	}
	require.True(t, trail.DetectAnomaly("victim", ActionFailedLogin))

	clk.Advance(24 * time.Hour)
	alerts := trail.Alerts()
	require.Len(t, alerts, 1, "alerts never expire on their own")

	assert.True(t, trail.ClearAlert(alerts[0].ID))
	assert.Empty(t, trail.Alerts())
	assert.False(t, trail.ClearAlert(alerts[0].ID))
}

func TestTrailMirrorsEntriesToSinkInOrder(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &captureSink{}
	trail := NewTrail(zap.NewNop(), clk, Config{
		MaxEntries:           1000,
		AnomalyWindow:        5 * time.Minute,
		FailedLoginThreshold: 5,
	}, sink)

	actions := []string{"login", "data_export", "logout"}
	for _, action := range actions {
		trail.Record("alice", action, "r", ResultSuccess, "203.0.113.45:1")
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == len(actions)
	}, 2*time.Second, 10*time.Millisecond)

	mirrored := sink.snapshot()
	for i, action := range actions {
		assert.Equal(t, action, mirrored[i].Action)
		assert.Equal(t, HashIdentity("alice"), mirrored[i].HashedIdentity)
	}
}

func TestTrailSubscribeReceivesAlerts(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	trail := createTestTrail(clk)

	sub := trail.Subscribe()
	defer trail.Unsubscribe(sub)

	for i := 0; i < 6; i++ {
		trail.Record("victim", ActionFailedLogin, "authentication", ResultFailure, "")
	}
	require.True(t, trail.DetectAnomaly("victim", ActionFailedLogin))

	select {
	case alert := <-sub:
		assert.Equal(t, SeverityHigh, alert.Severity)
	case <-time.After(time.Second):
		t.Fatal("expected an alert on the subscription channel")
	}
}
