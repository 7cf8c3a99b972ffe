package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status describes the lifecycle state of a slot.
type Status string

const (
	StatusEmpty   Status = "empty"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
)

// Slot holds one harvested credential set plus bookkeeping.
type Slot struct {
	ID         int
	Harvest    *Harvest
	CapturedAt time.Time
	Version    uint64
	Status     Status
	LastUsed   time.Time
	UseCount   int
}

// Age reports how long ago the slot's credentials were captured.
func (s *Slot) Age(now time.Time) time.Duration {
	if s.CapturedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CapturedAt)
}

func (s *Slot) usable() bool {
	return s.Harvest != nil && s.Status == StatusActive
}

// Options configures a Pool. Zero values fall back to the listed defaults.
type Options struct {
	// Size is the number of slots (default 5).
	Size int
	// FreshnessMaxAge is the age below which a credential is preferred
	// without waiting for a refresh (default 3m).
	FreshnessMaxAge time.Duration
	// PreemptiveThreshold triggers a background refresh when the best
	// credential has less than this much freshness remaining (default 2m).
	PreemptiveThreshold time.Duration
	// HardCeiling is the age beyond which a credential is never used
	// (default 50m).
	HardCeiling time.Duration
	// Store persists snapshots after every mutation. Optional.
	Store SnapshotStore

	Logger *slog.Logger
}

// Pool is a fixed-size, round-robin credential pool. All slot state is
// guarded by a single mutex; persistence runs outside the lock on a copied
// snapshot so a slow store never blocks acquisition.
type Pool struct {
	mu      sync.Mutex
	slots   []Slot
	cursor  int // next slot to overwrite on Submit
	active  int // most recently written slot, -1 before first Submit
	version uint64

	waiters    []waiter
	nextWaiter uint64
	refreshing bool

	freshMaxAge time.Duration
	preemptive  time.Duration
	hardCeiling time.Duration

	store  SnapshotStore
	logger *slog.Logger

	persistMu     sync.Mutex
	lastPersisted uint64
}

type waiter struct {
	id uint64
	ch chan struct{}
}

// NewPool builds a pool and, when a store is configured, restores the last
// persisted snapshot.
func NewPool(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 5
	}
	if opts.FreshnessMaxAge <= 0 {
		opts.FreshnessMaxAge = 3 * time.Minute
	}
	if opts.PreemptiveThreshold <= 0 {
		opts.PreemptiveThreshold = 2 * time.Minute
	}
	if opts.HardCeiling <= 0 {
		opts.HardCeiling = 50 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		slots:       make([]Slot, opts.Size),
		active:      -1,
		freshMaxAge: opts.FreshnessMaxAge,
		preemptive:  opts.PreemptiveThreshold,
		hardCeiling: opts.HardCeiling,
		store:       opts.Store,
		logger:      opts.Logger,
	}
	for i := range p.slots {
		p.slots[i].ID = i
		p.slots[i].Status = StatusEmpty
	}

	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := p.store.LoadSnapshot(ctx)
		if err != nil {
			p.logger.Warn("credential snapshot load failed", "error", err)
		} else if snap != nil {
			p.restore(snap)
			p.logger.Info("credential pool restored",
				"pool_version", p.version, "active_slot", p.active)
		}
	}
	return p
}

// Submit stores a newly harvested credential set in the slot under the
// cursor, overwriting whatever was there, and wakes all pending waiters.
func (p *Pool) Submit(h *Harvest) error {
	if err := h.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	slot := &p.slots[p.cursor]
	p.version++
	slot.Harvest = h
	slot.CapturedAt = time.Now()
	slot.Version = p.version
	slot.Status = StatusActive
	slot.LastUsed = time.Time{}
	slot.UseCount = 0
	p.active = p.cursor
	p.cursor = (p.cursor + 1) % len(p.slots)
	p.refreshing = false
	slotID := slot.ID
	version := p.version
	snap := p.snapshotLocked()
	p.wakeWaitersLocked()
	p.mu.Unlock()

	p.persist(snap)
	p.logger.Info("credentials submitted", "slot", slotID, "pool_version", version)
	return nil
}

// UpdateToken replaces the reauth token on the active slot's harvest without
// touching cookies or the request body. The harvested header map is copied,
// never mutated, so in-flight requests keep their view.
func (p *Pool) UpdateToken(token string) bool {
	if token == "" {
		return false
	}

	p.mu.Lock()
	if p.active < 0 || p.slots[p.active].Harvest == nil {
		p.mu.Unlock()
		return false
	}
	slot := &p.slots[p.active]
	h := *slot.Harvest
	h.Headers = slot.Harvest.CloneHeaders()
	h.Headers[reauthHeader] = formatReauthToken(token)
	slot.Harvest = &h
	slot.CapturedAt = time.Now()
	if slot.Status != StatusInvalid {
		slot.Status = StatusActive
	}
	p.version++
	slot.Version = p.version
	p.refreshing = false
	slotID := slot.ID
	version := p.version
	snap := p.snapshotLocked()
	p.wakeWaitersLocked()
	p.mu.Unlock()

	p.persist(snap)
	p.logger.Info("reauth token updated", "slot", slotID, "pool_version", version)
	return true
}

// AcquireBest returns a copy of the best usable slot: the freshest slot
// under the freshness ceiling, otherwise the freshest usable slot
// regardless of age. ok is false only when no slot is usable at all.
func (p *Pool) AcquireBest() (Slot, bool) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.bestLocked(now)
	if best == nil {
		return Slot{}, false
	}
	best.LastUsed = now
	best.UseCount++
	return *best, true
}

// bestLocked picks the freshest slot within the freshness window, falling
// back to the freshest usable slot of any age. Stale credentials are still
// worth attempting: the upstream tells us when they are truly dead.
func (p *Pool) bestLocked(now time.Time) *Slot {
	var fresh, any *Slot
	for i := range p.slots {
		s := &p.slots[i]
		if !s.usable() {
			continue
		}
		if any == nil || s.CapturedAt.After(any.CapturedAt) {
			any = s
		}
		if s.Age(now) <= p.freshMaxAge && (fresh == nil || s.CapturedAt.After(fresh.CapturedAt)) {
			fresh = s
		}
	}
	if fresh != nil {
		return fresh
	}
	return any
}

// NeedsRefresh reports whether no usable credential exists under the hard
// ceiling, meaning a fresh harvest should be requested before serving.
func (p *Pool) NeedsRefresh() bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		s := &p.slots[i]
		if s.usable() && s.Age(now) <= p.hardCeiling {
			return false
		}
	}
	return true
}

// NeedsPreemptiveRefresh reports whether the best credential is close enough
// to the freshness ceiling that a background refresh should start now.
func (p *Pool) NeedsPreemptiveRefresh() bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.bestLocked(now)
	if best == nil {
		return true
	}
	remaining := p.freshMaxAge - best.Age(now)
	return remaining < p.preemptive
}

// TryBeginRefresh marks a refresh in flight. It returns false when one is
// already running so concurrent requests coalesce onto a single refresh.
func (p *Pool) TryBeginRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshing {
		return false
	}
	p.refreshing = true
	return true
}

// MarkRefreshFailed clears the in-flight refresh flag so a later attempt can
// start one again.
func (p *Pool) MarkRefreshFailed() {
	p.mu.Lock()
	p.refreshing = false
	p.mu.Unlock()
}

// MarkSlotExpired records that the upstream rejected the slot's credentials
// as stale.
func (p *Pool) MarkSlotExpired(id int) {
	p.setStatus(id, StatusExpired)
}

// MarkSlotInvalid records that the slot's credentials are unusable.
func (p *Pool) MarkSlotInvalid(id int) {
	p.setStatus(id, StatusInvalid)
}

func (p *Pool) setStatus(id int, status Status) {
	p.mu.Lock()
	if id < 0 || id >= len(p.slots) || p.slots[id].Harvest == nil {
		p.mu.Unlock()
		return
	}
	p.slots[id].Status = status
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snap)
	p.logger.Warn("credential slot demoted", "slot", id, "status", status)
}

// WaitForUpdate blocks until the pool version changes, the timeout lapses, or
// ctx is cancelled. Each waiter is one-shot: it is enqueued once, woken at
// most once, and always removed from the queue before returning.
func (p *Pool) WaitForUpdate(ctx context.Context, timeout time.Duration) bool {
	p.mu.Lock()
	p.nextWaiter++
	w := waiter{id: p.nextWaiter, ch: make(chan struct{})}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	p.removeWaiter(w.id)
	return false
}

// wakeWaitersLocked resolves every pending waiter and empties the queue.
// Must be called with p.mu held.
func (p *Pool) wakeWaitersLocked() {
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
}

func (p *Pool) removeWaiter(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w.id == id {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Version returns the monotonic pool version, incremented on every Submit
// and UpdateToken.
func (p *Pool) Version() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// persist writes one snapshot to the store. Writes are serialized and
// version-ordered so two concurrent submits cannot leave the older snapshot
// on disk.
func (p *Pool) persist(snap *Snapshot) {
	if p.store == nil {
		return
	}

	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if snap.Version < p.lastPersisted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		p.logger.Warn("credential snapshot save failed", "error", err)
		return
	}
	p.lastPersisted = snap.Version
}

// SlotStatus is the introspection view of one slot. Credentials themselves
// are never exposed.
type SlotStatus struct {
	SlotID   int    `json:"slot_id"`
	Status   Status `json:"status"`
	AgeSecs  int64  `json:"age_seconds"`
	Version  uint64 `json:"version"`
	UseCount int    `json:"use_count"`
	HasData  bool   `json:"has_credentials"`
}

// PoolStatus summarizes the pool for the introspection endpoint.
type PoolStatus struct {
	Version    uint64       `json:"pool_version"`
	ActiveSlot int          `json:"active_slot"`
	Cursor     int          `json:"next_slot"`
	Waiters    int          `json:"pending_waiters"`
	Refreshing bool         `json:"refresh_in_flight"`
	Slots      []SlotStatus `json:"slots"`
}

// Status returns a point-in-time view of the pool.
func (p *Pool) Status() PoolStatus {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{
		Version:    p.version,
		ActiveSlot: p.active,
		Cursor:     p.cursor,
		Waiters:    len(p.waiters),
		Refreshing: p.refreshing,
	}
	for i := range p.slots {
		s := &p.slots[i]
		ss := SlotStatus{
			SlotID:   s.ID,
			Status:   s.Status,
			Version:  s.Version,
			UseCount: s.UseCount,
			HasData:  s.Harvest != nil,
		}
		if !s.CapturedAt.IsZero() {
			ss.AgeSecs = int64(s.Age(now).Seconds())
		}
		st.Slots = append(st.Slots, ss)
	}
	return st
}
