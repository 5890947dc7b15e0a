package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
	apperrors "github.com/shizukutanaka/Komainu/internal/errors"
)

// ClassProfile is one limiter class: a sliding window over request
// timestamps with a punitive block on violation and escalation after
// repeated violations.
type ClassProfile struct {
	Window              time.Duration
	MaxRequests         int
	BlockDuration       time.Duration
	EscalationThreshold int
}

// AdmitResult is the outcome of one sliding-window check.
type AdmitResult struct {
	Allowed    bool
	RetryAfter time.Duration

	// Escalated is set when this violation crossed the class's escalation
	// threshold and the identity was blocked registry-wide.
	Escalated bool

	// Rate-limit state suitable for response headers
	Limit     int
	Remaining int
	Reset     time.Time
}

// stateKey identifies one (identity, class) window. Identities are opaque
// strings, so the key is a struct rather than a joined string that a crafted
// identity could alias.
type stateKey struct {
	identity string
	class    string
}

// windowState is the per-(identity, class) accounting. Both admission and
// the idle sweep take its lock; gone marks a state removed from the map so
// an Admit holding a stale pointer re-resolves instead of mutating an
// orphan.
type windowState struct {
	mu           sync.Mutex
	gone         bool
	timestamps   []time.Time
	violations   int
	blockedUntil time.Time // zero = not blocked
	lastSeen     time.Time
}

// LimiterConfig configures the sliding-window limiter.
type LimiterConfig struct {
	Classes      map[string]ClassProfile
	DefaultClass string

	// Registry-wide block applied once violations reach a class's
	// escalation threshold
	EscalationBlockDuration time.Duration

	// Idle sweep
	SweepInterval time.Duration
	IdleExpiry    time.Duration
}

// Limiter counts requests per (identity, limiter class) inside a rolling
// window. State mutation is atomic per key: two concurrent requests for the
// same identity cannot both take the last remaining slot.
type Limiter struct {
	logger   *zap.Logger
	clock    clock.Clock
	config   LimiterConfig
	registry *Registry

	mu     sync.RWMutex
	states map[stateKey]*windowState
}

// NewLimiter creates a sliding-window limiter. Profiles with non-positive
// window or max-requests values are a configuration error, rejected here
// and never evaluated per-request.
func NewLimiter(logger *zap.Logger, clk clock.Clock, config LimiterConfig, registry *Registry) (*Limiter, error) {
	if len(config.Classes) == 0 {
		return nil, apperrors.NewConfiguration("no limiter classes configured")
	}
	if _, ok := config.Classes[config.DefaultClass]; !ok {
		return nil, apperrors.NewConfiguration(
			fmt.Sprintf("default limiter class %q is not configured", config.DefaultClass))
	}
	for name, profile := range config.Classes {
		if profile.Window <= 0 || profile.MaxRequests <= 0 {
			return nil, apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q has non-positive window or max_requests", name))
		}
		if profile.BlockDuration <= 0 {
			return nil, apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q has non-positive block_duration", name))
		}
		if profile.EscalationThreshold < 1 {
			return nil, apperrors.NewConfiguration(
				fmt.Sprintf("limiter class %q has escalation_threshold below 1", name))
		}
	}
	if config.EscalationBlockDuration <= 0 {
		config.EscalationBlockDuration = 24 * time.Hour
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Minute
	}
	if config.IdleExpiry <= 0 {
		config.IdleExpiry = 30 * time.Minute
	}

	return &Limiter{
		logger:   logger,
		clock:    clk,
		config:   config,
		registry: registry,
		states:   make(map[stateKey]*windowState),
	}, nil
}

// Profile resolves a limiter class, falling back to the default profile for
// unknown class names.
func (l *Limiter) Profile(class string) (string, ClassProfile) {
	if profile, ok := l.config.Classes[class]; ok {
		return class, profile
	}
	return l.config.DefaultClass, l.config.Classes[l.config.DefaultClass]
}

// Admit evaluates one request against the identity's window for the class.
//
// A blocked attempt is never recorded as a new request; it does not consume
// window slots. An expired block is cleared and the window reset before the
// request is evaluated.
func (l *Limiter) Admit(identity, class string) AdmitResult {
	resolved, profile := l.Profile(class)
	state := l.lockState(stateKey{identity: identity, class: resolved})
	defer state.mu.Unlock()

	now := l.clock.Now()
	state.lastSeen = now

	if !state.blockedUntil.IsZero() {
		if state.blockedUntil.After(now) {
			return AdmitResult{
				Allowed:    false,
				RetryAfter: state.blockedUntil.Sub(now),
				Limit:      profile.MaxRequests,
				Remaining:  0,
				Reset:      state.blockedUntil,
			}
		}
		// Block just expired: clear it and start a fresh window
		state.blockedUntil = time.Time{}
		state.timestamps = state.timestamps[:0]
	}

	// Lazy prune: keep only timestamps within [now-window, now]
	cutoff := now.Add(-profile.Window)
	kept := state.timestamps[:0]
	for _, ts := range state.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	state.timestamps = kept

	if len(state.timestamps) >= profile.MaxRequests {
		state.violations++

		if state.violations >= profile.EscalationThreshold {
			state.blockedUntil = now.Add(l.config.EscalationBlockDuration)
			if l.registry != nil {
				l.registry.Block(identity, l.config.EscalationBlockDuration,
					fmt.Sprintf("escalated after %d rate limit violations", state.violations))
			}
			l.logger.Warn("rate limit violation escalated",
				zap.String("identity", identity),
				zap.String("class", class),
				zap.Int("violations", state.violations),
			)
			return AdmitResult{
				Allowed:    false,
				RetryAfter: l.config.EscalationBlockDuration,
				Escalated:  true,
				Limit:      profile.MaxRequests,
				Remaining:  0,
				Reset:      state.blockedUntil,
			}
		}

		state.blockedUntil = now.Add(profile.BlockDuration)
		return AdmitResult{
			Allowed:    false,
			RetryAfter: profile.BlockDuration,
			Limit:      profile.MaxRequests,
			Remaining:  0,
			Reset:      state.blockedUntil,
		}
	}

	state.timestamps = append(state.timestamps, now)

	return AdmitResult{
		Allowed:   true,
		Limit:     profile.MaxRequests,
		Remaining: profile.MaxRequests - len(state.timestamps),
		Reset:     state.timestamps[0].Add(profile.Window),
	}
}

// ClearIdentity drops all window state for an identity across every class,
// including violation counters. Used by administrative unblock.
func (l *Limiter) ClearIdentity(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, state := range l.states {
		if key.identity == identity {
			state.mu.Lock()
			state.gone = true
			delete(l.states, key)
			state.mu.Unlock()
		}
	}
}

// Len returns the number of tracked (identity, class) windows.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.states)
}

// Run sweeps idle window state periodically until ctx is done. The sweep
// takes each state's lock before deletion, so it never races destructively
// with an in-flight Admit.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := l.sweep()
			if removed > 0 {
				l.logger.Debug("limiter sweep", zap.Int("idle_removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) sweep() int {
	now := l.clock.Now()
	cutoff := now.Add(-l.config.IdleExpiry)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, state := range l.states {
		state.mu.Lock()
		idle := state.lastSeen.Before(cutoff)
		blocked := state.blockedUntil.After(now)
		if idle && !blocked {
			state.gone = true
			delete(l.states, key)
			removed++
		}
		state.mu.Unlock()
	}
	return removed
}

// lockState returns the window state for key with its lock held. A state
// removed between lookup and lock acquisition is re-resolved, so requests
// are never accounted against an orphan.
func (l *Limiter) lockState(key stateKey) *windowState {
	for {
		state := l.getOrCreateState(key)
		state.mu.Lock()
		if !state.gone {
			return state
		}
		state.mu.Unlock()
	}
}

func (l *Limiter) getOrCreateState(key stateKey) *windowState {
	l.mu.RLock()
	state, exists := l.states[key]
	l.mu.RUnlock()
	if exists {
		return state
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if state, exists = l.states[key]; exists {
		return state
	}
	state = &windowState{}
	l.states[key] = state
	return state
}
