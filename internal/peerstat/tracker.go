// Package peerstat tracks the per-peer counter vector that drives gap
// detection, liveness, and the synced event.
package peerstat

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// Tracker owns the stats vectors for every registered remote peer. It
// is safe for concurrent use, though in practice all mutation happens
// on the core task.
type Tracker struct {
	onSynced func(ident.PeerID)
	now      func() int64 // wall-clock millis, overridable in tests

	mu struct {
		sync.Mutex
		stats  map[ident.PeerID]*types.PeerStats
		synced map[ident.PeerID]bool // synced event already fired
	}
}

// New returns a Tracker. onSynced fires exactly once per peer, the
// first time its contiguous prefix catches up to the highest sequence
// seen; it may be nil.
func New(onSynced func(ident.PeerID)) *Tracker {
	t := &Tracker{
		onSynced: onSynced,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
	t.mu.stats = make(map[ident.PeerID]*types.PeerStats)
	t.mu.synced = make(map[ident.PeerID]bool)
	return t
}

// Ensure creates a zeroed stats vector for peer iff absent, marking it
// not-yet-synced. Called when a remote peer's socket is registered.
func (t *Tracker) Ensure(peer ident.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mu.stats[peer]; !ok {
		t.mu.stats[peer] = &types.PeerStats{}
		t.mu.synced[peer] = false
	}
}

// Drop removes all state for a peer.
func (t *Tracker) Drop(peer ident.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mu.stats, peer)
	delete(t.mu.synced, peer)
}

// Get returns a copy of the stats vector for a peer.
func (t *Tracker) Get(peer ident.PeerID) (types.PeerStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.mu.stats[peer]
	if !ok {
		return types.PeerStats{}, false
	}
	return *s, true
}

// Snapshot copies the whole stats map, for ping payloads and metrics.
func (t *Tracker) Snapshot() map[ident.PeerID]types.PeerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ident.PeerID]types.PeerStats, len(t.mu.stats))
	for peer, s := range t.mu.stats {
		out[peer] = *s
	}
	return out
}

// Peers lists every tracked peer.
func (t *Tracker) Peers() []ident.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ident.PeerID, 0, len(t.mu.stats))
	for peer := range t.mu.stats {
		out = append(out, peer)
	}
	return out
}

// Observe folds one inbound message's (at, seq) into the peer's stats.
// Returns false when the peer is unknown: the caller drops the message.
//
// A gap of exactly one advances the guaranteed-contiguous pair; a wider
// gap records nothing there, resolving only after the missing sequences
// arrive and the next heartbeat scan runs. A sequence at or below the
// guaranteed prefix is a duplicate and only refreshes liveness.
func (t *Tracker) Observe(peer ident.PeerID, at hlc.Time, seq uint64) bool {
	t.mu.Lock()

	s, ok := t.mu.stats[peer]
	if !ok {
		t.mu.Unlock()
		log.WithField("peer", peer).Debug("message from unknown peer dropped")
		return false
	}
	s[types.LastMessageTimestamp] = t.now()

	gap := int64(seq) - s[types.GuaranteedContiguousSequenceID]
	if gap == 1 {
		s[types.GuaranteedContiguousSequenceID] = int64(seq)
		s[types.GuaranteedContiguousPatchAtTimestamp] = int64(at)
	}
	if int64(seq) > s[types.LastSequenceID] {
		s[types.LastSequenceID] = int64(seq)
		s[types.LastPatchAtTimestamp] = int64(at)
	}

	fire := t.shouldFireSyncedLocked(peer, s)
	t.mu.Unlock()
	if fire {
		t.onSynced(peer)
	}
	return true
}

// SetGuaranteed pins the guaranteed-contiguous pair, used by the gap
// detector when the first gap per peer bounds the safe prefix.
func (t *Tracker) SetGuaranteed(peer ident.PeerID, seq uint64, at hlc.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.mu.stats[peer]; ok {
		s[types.GuaranteedContiguousSequenceID] = int64(seq)
		s[types.GuaranteedContiguousPatchAtTimestamp] = int64(at)
	}
}

// MarkCaughtUp promotes the guaranteed pair to the last-seen pair, used
// by the gap detector for peers with no gaps found, and fires the
// synced event if it has not fired yet.
func (t *Tracker) MarkCaughtUp(peer ident.PeerID) {
	t.mu.Lock()
	s, ok := t.mu.stats[peer]
	if !ok {
		t.mu.Unlock()
		return
	}
	s[types.GuaranteedContiguousSequenceID] = s[types.LastSequenceID]
	s[types.GuaranteedContiguousPatchAtTimestamp] = s[types.LastPatchAtTimestamp]
	fire := t.shouldFireSyncedLocked(peer, s)
	t.mu.Unlock()
	if fire {
		t.onSynced(peer)
	}
}

// Restore seeds the tracker from a persisted snapshot, without firing
// synced events.
func (t *Tracker) Restore(snapshot map[ident.PeerID]types.PeerStats) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, s := range snapshot {
		copied := s
		t.mu.stats[peer] = &copied
		t.mu.synced[peer] = copied.Synced()
	}
}

// shouldFireSyncedLocked marks the synced event consumed and reports
// whether the caller must invoke the hook after releasing the lock.
func (t *Tracker) shouldFireSyncedLocked(peer ident.PeerID, s *types.PeerStats) bool {
	if t.mu.synced[peer] || !s.Synced() || s[types.LastSequenceID] == 0 {
		return false
	}
	t.mu.synced[peer] = true
	return t.onSynced != nil
}
