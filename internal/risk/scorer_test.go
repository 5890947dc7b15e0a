package risk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
)

type fakeCounter struct {
	count int
	err   error
}

func (f *fakeCounter) CountRecentEvents(identity string, since time.Time) (int, error) {
	return f.count, f.err
}

type captureStore struct {
	mu    sync.Mutex
	saved []Assessment
}

func (s *captureStore) SaveAssessment(a Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, a)
	return nil
}

func createTestScorer(t *testing.T, counter EventCounter, store Store) *Scorer {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewScorer(zap.NewNop(), clk, Config{
		LargeTransactionThreshold: 10000,
		VelocityWindow:            10 * time.Minute,
		VelocityThreshold:         5,
	}, counter, store, nil)
}

func TestScorerIndicators(t *testing.T) {
	tests := []struct {
		name       string
		input      Input
		count      int
		score      int
		level      Level
		blocked    bool
		indicators []string
	}{
		{
			name:  "clean transaction",
			input: Input{Identity: "user-1", EntityType: "order", EntityID: "o-1", TransactionAmount: 100, NetworkAddress: "198.51.100.7:443"},
			score: 0, level: LevelLow,
			indicators: []string{},
		},
		{
			name:  "anonymous only",
			input: Input{EntityType: "order", EntityID: "o-2", TransactionAmount: 100, NetworkAddress: "198.51.100.7:443"},
			score: 30, level: LevelMedium,
			indicators: []string{IndicatorAnonymousActor},
		},
		{
			name:  "anonymous with high value from private range",
			input: Input{EntityType: "order", EntityID: "o-3", TransactionAmount: 15000, NetworkAddress: "10.0.0.5:443"},
			score: 65, level: LevelHigh,
			indicators: []string{IndicatorAnonymousActor, IndicatorSuspiciousOrigin, IndicatorHighValue},
		},
		{
			name:  "velocity pushes known identity to critical",
			input: Input{Identity: "mule-7", EntityType: "transfer", EntityID: "t-1", TransactionAmount: 15000, NetworkAddress: "10.0.0.5:443"},
			count: 6,
			score: 75, level: LevelCritical, blocked: true,
			indicators: []string{IndicatorHighVelocity, IndicatorSuspiciousOrigin, IndicatorHighValue},
		},
		{
			name:  "velocity at threshold does not trigger",
			input: Input{Identity: "user-2", EntityType: "order", EntityID: "o-4", TransactionAmount: 100, NetworkAddress: "198.51.100.7:443"},
			count: 5,
			score: 0, level: LevelLow,
			indicators: []string{},
		},
		{
			name:  "amount at threshold does not trigger",
			input: Input{Identity: "user-3", EntityType: "order", EntityID: "o-5", TransactionAmount: 10000, NetworkAddress: "198.51.100.7:443"},
			score: 0, level: LevelLow,
			indicators: []string{},
		},
		{
			name:  "loopback origin",
			input: Input{Identity: "user-4", EntityType: "order", EntityID: "o-6", TransactionAmount: 100, NetworkAddress: "127.0.0.1:9000"},
			score: 20, level: LevelLow,
			indicators: []string{IndicatorSuspiciousOrigin},
		},
		{
			name:  "unparseable address is skipped",
			input: Input{Identity: "user-5", EntityType: "order", EntityID: "o-7", TransactionAmount: 100, NetworkAddress: "not-an-address"},
			score: 0, level: LevelLow,
			indicators: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scorer := createTestScorer(t, &fakeCounter{count: tt.count}, nil)

			a, err := scorer.Assess(tt.input)
			require.NoError(t, err)

			assert.Equal(t, tt.score, a.Score)
			assert.Equal(t, tt.level, a.Level)
			assert.Equal(t, tt.blocked, a.Blocked)
			assert.ElementsMatch(t, tt.indicators, a.Indicators)
			assert.NotEmpty(t, a.ID)
		})
	}
}

func TestScorerDeterministicForSameInputs(t *testing.T) {
	scorer := createTestScorer(t, &fakeCounter{count: 3}, nil)
	input := Input{Identity: "user-1", EntityType: "order", EntityID: "o-1", TransactionAmount: 12000, NetworkAddress: "192.168.1.4:80"}

	first, err := scorer.Assess(input)
	require.NoError(t, err)
	second, err := scorer.Assess(input)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Level, second.Level)
	assert.Equal(t, first.Indicators, second.Indicators)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestScorerPersistsEveryAssessment(t *testing.T) {
	store := &captureStore{}
	scorer := createTestScorer(t, &fakeCounter{}, store)

	_, err := scorer.Assess(Input{Identity: "user-1", EntityType: "order", EntityID: "o-1", TransactionAmount: 5, NetworkAddress: "198.51.100.7:443"})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.saved, 1)
	assert.Equal(t, LevelLow, store.saved[0].Level)
}

func TestScorerCounterFailureFailsOpen(t *testing.T) {
	scorer := createTestScorer(t, &fakeCounter{err: errors.New("timeout")}, nil)

	a, err := scorer.Assess(Input{Identity: "user-1", EntityType: "order", EntityID: "o-1", TransactionAmount: 15000, NetworkAddress: "198.51.100.7:443"})

	// The collaborator error surfaces, but the assessment still stands on
	// the indicators computable without it.
	assert.Error(t, err)
	assert.Equal(t, 15, a.Score)
	assert.NotContains(t, a.Indicators, IndicatorHighVelocity)
}

func TestClassifyBoundaries(t *testing.T) {
	assert.Equal(t, LevelLow, classify(0))
	assert.Equal(t, LevelLow, classify(29))
	assert.Equal(t, LevelMedium, classify(30))
	assert.Equal(t, LevelMedium, classify(49))
	assert.Equal(t, LevelHigh, classify(50))
	assert.Equal(t, LevelHigh, classify(69))
	assert.Equal(t, LevelCritical, classify(70))
	assert.Equal(t, LevelCritical, classify(105))
}
