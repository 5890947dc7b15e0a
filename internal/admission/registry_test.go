package admission

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

type fakeBlockStore struct {
	mu        sync.Mutex
	blocks    map[string]BlockRecord
	ops       []string
	loadErr   error
	saveDelay time.Duration
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{blocks: make(map[string]BlockRecord)}
}

func (s *fakeBlockStore) LoadBlocks() (map[string]BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make(map[string]BlockRecord, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out, nil
}

func (s *fakeBlockStore) SaveBlock(rec BlockRecord) error {
	if s.saveDelay > 0 {
		time.Sleep(s.saveDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[rec.Identity] = rec
	s.ops = append(s.ops, "save:"+rec.Identity)
	return nil
}

func (s *fakeBlockStore) DeleteBlock(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, identity)
	s.ops = append(s.ops, "delete:"+identity)
	return nil
}

func (s *fakeBlockStore) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

func TestRegistryTemporaryBlockExpires(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry, err := NewRegistry(zap.NewNop(), clk, nil, nil, false)
	require.NoError(t, err)

	registry.Block("203.0.113.9", 10*time.Minute, "scanner")

	blocked, rec := registry.IsBlocked("203.0.113.9")
	assert.True(t, blocked)
	assert.Equal(t, "scanner", rec.Reason)

	clk.Advance(10*time.Minute + time.Second)

	blocked, _ = registry.IsBlocked("203.0.113.9")
	assert.False(t, blocked)
	// Lazy eviction removed it entirely
	assert.Equal(t, 0, registry.Count())
}

func TestRegistryPermanentBlockNeverExpires(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry, err := NewRegistry(zap.NewNop(), clk, nil, nil, false)
	require.NoError(t, err)

	rec := registry.Block("fraudster", 0, "confirmed fraud")
	assert.True(t, rec.Permanent())

	clk.Advance(365 * 24 * time.Hour)

	blocked, _ := registry.IsBlocked("fraudster")
	assert.True(t, blocked)

	assert.True(t, registry.Unblock("fraudster", "appeal approved"))
	blocked, _ = registry.IsBlocked("fraudster")
	assert.False(t, blocked)
}

func TestRegistryBlockOverwritesNotStacks(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry, err := NewRegistry(zap.NewNop(), clk, nil, nil, false)
	require.NoError(t, err)

	registry.Block("user-1", time.Hour, "first")
	registry.Block("user-1", 10*time.Minute, "second")

	blocked, rec := registry.IsBlocked("user-1")
	assert.True(t, blocked)
	assert.Equal(t, "second", rec.Reason)

	clk.Advance(11 * time.Minute)
	blocked, _ = registry.IsBlocked("user-1")
	assert.False(t, blocked)
}

func TestRegistryUnblockMissingIdentity(t *testing.T) {
	registry, err := NewRegistry(zap.NewNop(), clock.NewFake(time.Now()), nil, nil, false)
	require.NoError(t, err)

	assert.False(t, registry.Unblock("nobody", "cleanup"))
}

func TestRegistryListSkipsExpired(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	registry, err := NewRegistry(zap.NewNop(), clk, nil, nil, false)
	require.NoError(t, err)

	registry.Block("short", time.Minute, "short block")
	registry.Block("long", time.Hour, "long block")
	registry.Block("forever", 0, "permanent")

	clk.Advance(2 * time.Minute)

	list := registry.List()
	assert.Len(t, list, 2)
	identities := []string{list[0].Identity, list[1].Identity}
	assert.Contains(t, identities, "long")
	assert.Contains(t, identities, "forever")
}

func TestRegistrySeedsFromMirror(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeBlockStore()
	until := clk.Now().Add(time.Hour)
	store.blocks["persisted"] = BlockRecord{
		Identity:  "persisted",
		Until:     &until,
		Reason:    "carried over",
		CreatedAt: clk.Now(),
	}

	registry, err := NewRegistry(zap.NewNop(), clk, store, nil, false)
	require.NoError(t, err)

	blocked, rec := registry.IsBlocked("persisted")
	assert.True(t, blocked)
	assert.Equal(t, "carried over", rec.Reason)
}

func TestRegistryMirrorWritesApplyInOrder(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newFakeBlockStore()
	store.saveDelay = 50 * time.Millisecond

	registry, err := NewRegistry(zap.NewNop(), clk, store, nil, false)
	require.NoError(t, err)

	// The unblock must not outrun the still-in-flight save; a stale mirror
	// record would re-seed the block on the next restart.
	registry.Block("flapper", time.Hour, "slow mirror")
	require.True(t, registry.Unblock("flapper", "immediate appeal"))

	require.Eventually(t, func() bool {
		return len(store.opLog()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"save:flapper", "delete:flapper"}, store.opLog())

	blocks, err := store.LoadBlocks()
	require.NoError(t, err)
	assert.Empty(t, blocks, "mirror must not retain an unblocked identity")
}

func TestRegistryMirrorFailureFailOpenAndClosed(t *testing.T) {
	clk := clock.NewFake(time.Now())
	store := newFakeBlockStore()
	store.loadErr = errors.New("disk gone")

	// Fail open: empty registry, no error
	registry, err := NewRegistry(zap.NewNop(), clk, store, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, registry.Count())

	// Fail closed: construction fails
	_, err = NewRegistry(zap.NewNop(), clk, store, nil, true)
	assert.Error(t, err)
}
