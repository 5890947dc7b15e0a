package admission

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Komainu/internal/clock"
)

var errMirrorBacklog = errors.New("block mirror queue full, update dropped")

// BlockRecord is one identity's block state. A nil Until means the block is
// permanent and only an explicit unblock removes it.
type BlockRecord struct {
	Identity  string     `json:"identity"`
	Until     *time.Time `json:"until,omitempty"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
}

// Permanent reports whether the record never expires on its own.
func (r BlockRecord) Permanent() bool {
	return r.Until == nil
}

// BlockStore is the durable mirror for block records. The in-memory copy is
// authoritative for freshness; the mirror seeds it at startup and receives
// write-through updates.
type BlockStore interface {
	LoadBlocks() (map[string]BlockRecord, error)
	SaveBlock(rec BlockRecord) error
	DeleteBlock(identity string) error
}

// DegradedRecorder receives notice when a collaborator is unreachable.
type DegradedRecorder interface {
	RecordDegraded(component string, err error)
}

// Registry holds temporary and permanent blocks per identity, independent of
// limiter class. Network-address and account identities share the map but
// callers key them distinctly, so the namespaces never collide.
type Registry struct {
	logger   *zap.Logger
	clock    clock.Clock
	store    BlockStore
	degraded DegradedRecorder

	mu     sync.RWMutex
	blocks map[string]BlockRecord

	// Mirror updates are drained by a single goroutine so a save for an
	// identity can never land after a later delete for the same identity.
	mirrorCh chan mirrorOp
}

type mirrorOp struct {
	remove bool
	rec    BlockRecord
}

// NewRegistry creates a block registry seeded from the durable mirror.
// When failClosed is false a mirror load failure degrades to an empty
// in-memory registry; when true it is returned to the caller as fatal.
func NewRegistry(logger *zap.Logger, clk clock.Clock, store BlockStore, degraded DegradedRecorder, failClosed bool) (*Registry, error) {
	r := &Registry{
		logger:   logger,
		clock:    clk,
		store:    store,
		degraded: degraded,
		blocks:   make(map[string]BlockRecord),
	}

	if store != nil {
		seeded, err := store.LoadBlocks()
		if err != nil {
			if failClosed {
				return nil, err
			}
			if degraded != nil {
				degraded.RecordDegraded("block_store", err)
			}
		} else {
			r.blocks = seeded
			logger.Info("block registry seeded from durable mirror",
				zap.Int("records", len(seeded)))
		}

		r.mirrorCh = make(chan mirrorOp, 1024)
		go r.mirrorLoop()
	}

	return r, nil
}

// IsBlocked reports whether the identity is currently blocked. Expired
// records are lazily evicted on lookup.
func (r *Registry) IsBlocked(identity string) (bool, BlockRecord) {
	r.mu.RLock()
	rec, exists := r.blocks[identity]
	r.mu.RUnlock()

	if !exists {
		return false, BlockRecord{}
	}

	if rec.Until != nil && !rec.Until.After(r.clock.Now()) {
		r.mu.Lock()
		// Re-check under the write lock; a concurrent Block may have
		// replaced the expired record.
		if cur, ok := r.blocks[identity]; ok && cur.Until != nil && !cur.Until.After(r.clock.Now()) {
			delete(r.blocks, identity)
			r.mirrorDelete(identity)
		}
		r.mu.Unlock()
		return false, BlockRecord{}
	}

	return true, rec
}

// Block records a block for the identity. A non-positive duration makes the
// block permanent. Blocking an already-blocked identity overwrites its
// reason and expiry rather than stacking.
func (r *Registry) Block(identity string, duration time.Duration, reason string) BlockRecord {
	now := r.clock.Now()
	rec := BlockRecord{
		Identity:  identity,
		Reason:    reason,
		CreatedAt: now,
	}
	if duration > 0 {
		until := now.Add(duration)
		rec.Until = &until
	}

	r.mu.Lock()
	r.blocks[identity] = rec
	r.mu.Unlock()

	r.logger.Warn("identity blocked",
		zap.String("identity", identity),
		zap.String("reason", reason),
		zap.Bool("permanent", rec.Permanent()),
		zap.Duration("duration", duration),
	)

	r.mirrorSave(rec)
	return rec
}

// Unblock removes any block for the identity. Returns false when none existed.
func (r *Registry) Unblock(identity string, reason string) bool {
	r.mu.Lock()
	_, existed := r.blocks[identity]
	if existed {
		delete(r.blocks, identity)
	}
	r.mu.Unlock()

	if !existed {
		return false
	}

	r.logger.Info("identity unblocked",
		zap.String("identity", identity),
		zap.String("reason", reason),
	)

	r.mirrorDelete(identity)
	return true
}

// List returns a snapshot of all current block records.
func (r *Registry) List() []BlockRecord {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BlockRecord, 0, len(r.blocks))
	for _, rec := range r.blocks {
		if rec.Until != nil && !rec.Until.After(now) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Count returns the number of active block records.
func (r *Registry) Count() int {
	return len(r.List())
}

// Mirror writes run in the background so the admission decision never waits
// on I/O. A single writer drains the queue in submission order; a full queue
// or a failed write degrades, and the in-memory decision stands.

func (r *Registry) mirrorSave(rec BlockRecord) {
	r.enqueueMirror(mirrorOp{rec: rec})
}

func (r *Registry) mirrorDelete(identity string) {
	r.enqueueMirror(mirrorOp{remove: true, rec: BlockRecord{Identity: identity}})
}

func (r *Registry) enqueueMirror(op mirrorOp) {
	if r.store == nil {
		return
	}
	select {
	case r.mirrorCh <- op:
	default:
		if r.degraded != nil {
			r.degraded.RecordDegraded("block_store", errMirrorBacklog)
		}
	}
}

func (r *Registry) mirrorLoop() {
	for op := range r.mirrorCh {
		var err error
		if op.remove {
			err = r.store.DeleteBlock(op.rec.Identity)
		} else {
			err = r.store.SaveBlock(op.rec)
		}
		if err != nil && r.degraded != nil {
			r.degraded.RecordDegraded("block_store", err)
		}
	}
}
