package replica

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/gap"
	"github.com/meshlite/meshlite/internal/heartbeat"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/merge"
	"github.com/meshlite/meshlite/internal/migrate"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/peerstat"
	"github.com/meshlite/meshlite/internal/session"
	"github.com/meshlite/meshlite/internal/transport"
	"github.com/meshlite/meshlite/internal/types"
	"github.com/meshlite/meshlite/internal/util/sqlitepool"
	"github.com/meshlite/meshlite/internal/util/stopper"
)

// Errors surfaced synchronously to callers, per the configuration-error
// taxonomy.
var (
	// ErrNotMigrated is returned by Upsert before Migrate has run.
	ErrNotMigrated = errors.New("replica: migrate before writing")
	// ErrUnknownTable aliases the store's sentinel for caller
	// convenience.
	ErrUnknownTable = patchstore.ErrUnknownTable
)

// Engine is one peer's replication core. All sequence allocation,
// database writes, and peer-stat mutation serialize through it.
type Engine struct {
	cfg      *Config
	self     ident.PeerID
	pool     *sqlitepool.Pool
	clock    *hlc.Clock
	planner  *catalog.Planner
	coord    *migrate.Coordinator
	store    *patchstore.Store
	applier  *merge.Applier
	peers    *peerstat.Tracker
	mux      *transport.Mux
	detector *gap.Detector

	mu struct {
		sync.Mutex
		// lastSeq is -1 until Migrate has run, then the highest sequence
		// this peer has produced.
		lastSeq     int64
		lastPatchAt hlc.Time
	}
}

var _ transport.Handler = (*Engine)(nil)
var _ heartbeat.Target = (*Engine)(nil)

func newEngine(
	cfg *Config,
	self ident.PeerID,
	pool *sqlitepool.Pool,
	clock *hlc.Clock,
	planner *catalog.Planner,
	coord *migrate.Coordinator,
	store *patchstore.Store,
	applier *merge.Applier,
	peers *peerstat.Tracker,
	mux *transport.Mux,
	detector *gap.Detector,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		self:     self,
		pool:     pool,
		clock:    clock,
		planner:  planner,
		coord:    coord,
		store:    store,
		applier:  applier,
		peers:    peers,
		mux:      mux,
		detector: detector,
	}
	e.mu.lastSeq = -1
	mux.Start(e)
	return e
}

// PeerID reports this peer's identity.
func (e *Engine) PeerID() ident.PeerID { return e.self }

// Run starts the background loops: the debounced merge applier and the
// heartbeat scheduler.
func (e *Engine) Run(ctx *stopper.Context) {
	e.applier.Run(ctx)
	heartbeat.New(e, e.cfg.HeartbeatInterval).Run(ctx)
}

// Migrate applies the app's migration list, re-plans statements, and
// restores this peer's sequence high-water mark and peer-stat map.
func (e *Engine) Migrate(ctx context.Context, migrations []migrate.Migration) (migrate.Result, error) {
	res, err := e.coord.Migrate(ctx, migrations)
	if err != nil {
		return res, err
	}

	at, seq, err := e.store.GetLastPatchInfoAll(ctx, e.pool.DB, e.self, hlc.Zero)
	if err != nil {
		return res, err
	}
	e.mu.Lock()
	e.mu.lastSeq = int64(seq)
	e.mu.lastPatchAt = at
	e.mu.Unlock()

	if snapshot, ok, err := e.store.LatestPeerStatSnapshot(ctx, e.pool.DB, e.self); err != nil {
		return res, err
	} else if ok {
		e.peers.Restore(types.ParsePeerStatDelta(snapshot))
	}
	return res, nil
}

// Upsert records a local write: mints an HLC, persists the patch to the
// shadow table, applies it to the materialized row synchronously, and
// broadcasts it. Returns the caller's session token.
func (e *Engine) Upsert(ctx context.Context, table ident.Table, row map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coord.Version() == 0 || e.mu.lastSeq < 0 {
		return "", errors.WithStack(ErrNotMigrated)
	}

	plan, ok := e.planner.Plan(table)
	if !ok {
		return "", errors.Wrapf(ErrUnknownTable, "table %s", table)
	}

	// Project the row through the planned column set: unknown columns
	// are silently dropped, absent columns mean "not touched".
	delta := make(types.Delta, len(row))
	for _, col := range plan.AllColumns {
		if v, present := row[col]; present {
			delta[col] = v
		}
	}

	at, overflowed := e.clock.Create()
	if overflowed {
		log.WithField("at", at).Warn("logical clock counter overflow")
	}
	patch := types.Patch{
		Type:  types.MessagePatch,
		At:    at,
		Peer:  e.self,
		Seq:   uint64(e.mu.lastSeq) + 1,
		Ver:   e.coord.Version(),
		Tab:   table,
		Delta: delta,
	}

	if err := e.store.Save(ctx, e.pool.DB, patch); err != nil {
		return "", err
	}
	e.mu.lastSeq = int64(patch.Seq)
	e.mu.lastPatchAt = at

	if err := e.applier.ApplyLocal(ctx, table, at); err != nil {
		return "", err
	}
	e.mux.Broadcast(ctx, transport.FromPatch(patch))

	return session.Token(e.self, patch.Seq), nil
}

// OnPatch implements transport.Handler: the inbound patch pipeline.
func (e *Engine) OnPatch(ctx context.Context, patch types.Patch) {
	if patch.Peer == e.self {
		// Cyclic peer graphs echo our own patches back.
		return
	}
	e.clock.Receive(patch.At)
	if !e.peers.Observe(patch.Peer, patch.At, patch.Seq) {
		return
	}

	if err := e.store.Save(ctx, e.pool.DB, patch); err != nil {
		if errors.Is(err, patchstore.ErrUnknownTable) {
			// A matching schema version without the table is a sender
			// bug, not a staging case.
			log.WithFields(log.Fields{
				"peer":  patch.Peer,
				"table": patch.Tab,
			}).Warn("patch for unknown table dropped")
			return
		}
		log.WithError(err).Warn("could not persist inbound patch")
		return
	}

	// Staged and peer-stat patches are not materialized here; staged
	// rows replay after the matching migration, snapshots never do.
	if patch.Ver == e.coord.Version() && !patch.IsPeerStatPayload() {
		e.applier.EnqueueRemote(patch.Tab, patch.At)
	}
}

// OnPing implements transport.Handler: stats and liveness only, nothing
// is persisted.
func (e *Engine) OnPing(_ context.Context, ping types.Patch) {
	e.clock.Receive(ping.At)
	e.peers.Observe(ping.Peer, ping.At, ping.Seq)
}

// OnMissingPatch implements transport.Handler.
func (e *Engine) OnMissingPatch(ctx context.Context, req types.MissingPatchRequest) {
	if err := e.detector.Serve(ctx, req); err != nil {
		log.WithError(err).Warn("could not serve retransmission request")
	}
}

// AddRemotePeer registers a peer socket, creating its stats vector iff
// absent.
func (e *Engine) AddRemotePeer(peer ident.PeerID, socket transport.Socket) {
	e.peers.Ensure(peer)
	e.mux.AddRemotePeer(peer, socket)
}

// PauseRemotePeer drops the socket but keeps the peer's stats.
func (e *Engine) PauseRemotePeer(peer ident.PeerID) {
	e.mux.PauseRemotePeer(peer)
}

// CloseRemotePeer drops the socket and the stats.
func (e *Engine) CloseRemotePeer(peer ident.PeerID) {
	e.mux.CloseRemotePeer(peer)
	e.peers.Drop(peer)
}

// RetentionSweep implements heartbeat.Target: bounded history across
// every shadow table and the staging table.
func (e *Engine) RetentionSweep(ctx context.Context) error {
	cutoffMillis := time.Now().UnixMilli() - e.cfg.MaxPatchRetention.Milliseconds() - hlc.EpochMillis
	if cutoffMillis < 0 {
		return nil
	}
	cutoff := hlc.From(cutoffMillis, 0)

	for _, table := range e.planner.Tables() {
		if err := e.store.DeleteOlderThan(ctx, e.pool.DB, table, cutoff); err != nil {
			return err
		}
	}
	return e.store.DeletePendingOlderThan(ctx, e.pool.DB, cutoff)
}

// PersistentPing implements heartbeat.Target: a PATCH on the reserved
// table carrying the full stats map under a fresh sequence id, so every
// peer learns a post-GC snapshot.
func (e *Engine) PersistentPing(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mu.lastSeq < 0 {
		return errors.WithStack(ErrNotMigrated)
	}

	at, _ := e.clock.Create()
	patch := types.Patch{
		Type:  types.MessagePatch,
		At:    at,
		Peer:  e.self,
		Seq:   uint64(e.mu.lastSeq) + 1,
		Ver:   e.coord.Version(),
		Tab:   ident.ReservedTable,
		Delta: types.PeerStatDelta(e.peers.Snapshot()),
	}
	if err := e.store.Save(ctx, e.pool.DB, patch); err != nil {
		return err
	}
	e.mu.lastSeq = int64(patch.Seq)
	e.mu.lastPatchAt = at

	e.mux.Broadcast(ctx, transport.FromPatch(patch))
	return nil
}

// BroadcastPing implements heartbeat.Target: current stats under the
// current high-water mark, neither persisted nor sequence-consuming.
func (e *Engine) BroadcastPing(ctx context.Context) error {
	e.mu.Lock()
	if e.mu.lastSeq < 0 {
		e.mu.Unlock()
		return nil
	}
	ping := types.Patch{
		Type:  types.MessagePing,
		At:    e.mu.lastPatchAt,
		Peer:  e.self,
		Seq:   uint64(e.mu.lastSeq),
		Ver:   e.coord.Version(),
		Tab:   ident.ReservedTable,
		Delta: types.PeerStatDelta(e.peers.Snapshot()),
	}
	e.mu.Unlock()

	e.mux.Broadcast(ctx, transport.FromPatch(ping))
	return nil
}

// DetectAndRequestMissing implements heartbeat.Target.
func (e *Engine) DetectAndRequestMissing(ctx context.Context) error {
	return e.detector.DetectAndRequestMissing(ctx)
}

// IsConsistentFromSessionToken reports whether the contiguous prefix
// for the token's peer has reached its sequence. A write this peer made
// itself is always consistent; an unknown peer is treated as consistent
// on a best-effort basis.
func (e *Engine) IsConsistentFromSessionToken(peer ident.PeerID, seq uint64) bool {
	if peer == e.self {
		return true
	}
	stats, ok := e.peers.Get(peer)
	if !ok {
		return true
	}
	return stats[types.GuaranteedContiguousSequenceID] >= int64(seq)
}

// WaitForToken blocks, with exponential backoff, until the write named
// by a session token is visible locally. Malformed tokens are treated
// as no token and let through.
func (e *Engine) WaitForToken(ctx context.Context, token string) error {
	peer, seq, ok := session.Parse(token)
	if !ok {
		return nil
	}
	return session.Wait(ctx, e.IsConsistentFromSessionToken, peer, seq,
		10*time.Millisecond, e.cfg.ReadYourWritesDeadline)
}
