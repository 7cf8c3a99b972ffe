package credential

import (
	"context"
	"time"
)

// SlotSnapshot is the serializable form of one pool slot.
type SlotSnapshot struct {
	SlotID     int      `json:"slot_id"`
	Harvest    *Harvest `json:"harvest,omitempty"`
	CapturedAt int64    `json:"timestamp"` // unix seconds, 0 for empty slots
	Version    uint64   `json:"version"`
	Status     Status   `json:"status"`
	LastUsed   int64    `json:"last_used"`
	UseCount   int      `json:"use_count"`
}

// Snapshot is the durable form of the whole pool: slots plus the pool-wide
// cursor and version. A process restart restores from it without
// re-harvesting.
type Snapshot struct {
	Slots   []SlotSnapshot `json:"pool"`
	Cursor  int            `json:"current_slot"`
	Active  int            `json:"active_slot"`
	Version uint64         `json:"pool_version"`
	SavedAt int64          `json:"timestamp"`
}

// SnapshotStore persists pool snapshots. Implementations live under
// pkg/storage; the pool treats persistence failures as non-fatal.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

// snapshotLocked builds a Snapshot from the current pool state.
// Must be called with p.mu held.
func (p *Pool) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Cursor:  p.cursor,
		Active:  p.active,
		Version: p.version,
		SavedAt: time.Now().Unix(),
	}
	for i := range p.slots {
		s := &p.slots[i]
		ss := SlotSnapshot{
			SlotID:   s.ID,
			Harvest:  s.Harvest,
			Version:  s.Version,
			Status:   s.Status,
			UseCount: s.UseCount,
		}
		if !s.CapturedAt.IsZero() {
			ss.CapturedAt = s.CapturedAt.Unix()
		}
		if !s.LastUsed.IsZero() {
			ss.LastUsed = s.LastUsed.Unix()
		}
		snap.Slots = append(snap.Slots, ss)
	}
	return snap
}

// restore applies a loaded snapshot to the pool. Slots whose IDs fall
// outside the configured pool size are dropped.
func (p *Pool) restore(snap *Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ss := range snap.Slots {
		if ss.SlotID < 0 || ss.SlotID >= len(p.slots) {
			continue
		}
		slot := &p.slots[ss.SlotID]
		slot.Harvest = ss.Harvest
		slot.Version = ss.Version
		slot.Status = ss.Status
		slot.UseCount = ss.UseCount
		if ss.CapturedAt > 0 {
			slot.CapturedAt = time.Unix(ss.CapturedAt, 0)
		}
		if ss.LastUsed > 0 {
			slot.LastUsed = time.Unix(ss.LastUsed, 0)
		}
	}
	if snap.Cursor >= 0 && snap.Cursor < len(p.slots) {
		p.cursor = snap.Cursor
	}
	if snap.Active >= -1 && snap.Active < len(p.slots) {
		p.active = snap.Active
	}
	p.version = snap.Version
}
