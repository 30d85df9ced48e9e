// Package gap finds missing sequence ranges across all shadow stores,
// asks the producing peers to retransmit them, and serves the requests
// other peers send us.
package gap

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/peerstat"
	"github.com/meshlite/meshlite/internal/transport"
	"github.com/meshlite/meshlite/internal/types"
)

// Detector runs the missing-patch scan. One per engine.
type Detector struct {
	self        ident.PeerID
	db          types.Querier
	store       *patchstore.Store
	peers       *peerstat.Tracker
	mux         *transport.Mux
	maxRequests int // per-sweep ceiling on emitted requests; 0 is unbounded
}

// NewDetector returns a Detector.
func NewDetector(
	self ident.PeerID,
	db types.Querier,
	store *patchstore.Store,
	peers *peerstat.Tracker,
	mux *transport.Mux,
	maxRequests int,
) *Detector {
	return &Detector{
		self:        self,
		db:          db,
		store:       store,
		peers:       peers,
		mux:         mux,
		maxRequests: maxRequests,
	}
}

// DetectAndRequestMissing computes the minimum guaranteed-contiguous
// timestamp across all peers that are behind their last-seen sequence,
// and scans from there. Peers already caught up need no scan.
func (d *Detector) DetectAndRequestMissing(ctx context.Context) error {
	var from hlc.Time
	lagging := false
	for _, s := range d.peers.Snapshot() {
		if s[types.LastSequenceID] <= s[types.GuaranteedContiguousSequenceID] {
			continue
		}
		at := hlc.Time(s[types.GuaranteedContiguousPatchAtTimestamp])
		if !lagging || at < from {
			from = at
		}
		lagging = true
	}
	if !lagging {
		return nil
	}
	return d.GetMissing(ctx, from)
}

// GetMissing scans every store for sequence holes at or after from. The
// first gap seen per peer bounds that peer's safe prefix; each gap
// yields one MISSING_PATCH request to the producing peer, subject to
// the per-sweep ceiling. Peers the scan never touched are fully
// contiguous and get promoted to synced.
func (d *Detector) GetMissing(ctx context.Context, from hlc.Time) error {
	gaps, err := d.store.ListMissing(ctx, d.db, from)
	if err != nil {
		return errors.Wrap(err, "listing missing sequence ids")
	}

	touched := make(map[ident.PeerID]bool)
	requested := 0
	for _, g := range gaps {
		if g.Peer == d.self {
			// A hole in our own history would mean local data loss, not
			// a network gap; nothing to request.
			log.WithField("seq", g.SequenceID).Warn("gap detected in local peer history")
			continue
		}
		if !touched[g.Peer] {
			d.peers.SetGuaranteed(g.Peer, g.SequenceID, g.PatchedAt)
			touched[g.Peer] = true
		}

		if d.maxRequests > 0 && requested >= d.maxRequests {
			retransmissionRequests.WithLabelValues("skipped").Inc()
			continue
		}
		req := types.MissingPatchRequest{
			Peer:    g.Peer,
			MinSeq:  g.SequenceID + 1,
			MaxSeq:  g.SequenceID + g.NMissing,
			ForPeer: d.self,
		}
		// Ask the original producer. No socket means skip this round;
		// the next sweep retries.
		if !d.mux.SendTo(ctx, g.Peer, transport.FromMissing(req)) {
			retransmissionRequests.WithLabelValues("skipped").Inc()
			continue
		}
		retransmissionRequests.WithLabelValues("sent").Inc()
		requested++
		log.WithFields(log.Fields{
			"peer":   g.Peer,
			"minSeq": req.MinSeq,
			"maxSeq": req.MaxSeq,
		}).Debug("requested missing patches")
	}

	for _, peer := range d.peers.Peers() {
		if !touched[peer] {
			d.peers.MarkCaughtUp(peer)
		}
	}
	return nil
}

// Serve answers a MISSING_PATCH request: every matching shadow or
// pending row goes back verbatim as a PATCH envelope to the requester.
// Sequences we don't hold are silently absent; an unknown requester is
// a no-op.
func (d *Detector) Serve(ctx context.Context, req types.MissingPatchRequest) error {
	retransmissionRequests.WithLabelValues("received").Inc()

	patches, err := d.store.GetRangeAll(ctx, d.db, req.Peer, req.MinSeq, req.MaxSeq)
	if err != nil {
		return errors.Wrap(err, "collecting patches to retransmit")
	}
	for _, patch := range patches {
		if !d.mux.SendTo(ctx, req.ForPeer, transport.FromPatch(patch)) {
			log.WithField("forPeer", req.ForPeer).
				Debug("no socket for requesting peer, dropping retransmission")
			return nil
		}
	}
	return nil
}
