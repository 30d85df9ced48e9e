// Package replicatest provides a self-contained fixture for tests that
// need a migrated database and a fully wired replication engine.
package replicatest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/gap"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/merge"
	"github.com/meshlite/meshlite/internal/migrate"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/peerstat"
	"github.com/meshlite/meshlite/internal/replica"
	"github.com/meshlite/meshlite/internal/transport"
	"github.com/meshlite/meshlite/internal/util/sqlitepool"
)

// Fixture provides a complete set of database-backed services backed by
// a throwaway SQLite file.
type Fixture struct {
	Config      *replica.Config
	PeerID      ident.PeerID
	Pool        *sqlitepool.Pool
	Clock       *hlc.Clock
	Planner     *catalog.Planner
	Coordinator *migrate.Coordinator
	Store       *patchstore.Store
	Applier     *merge.Applier
	Tracker     *peerstat.Tracker
	Mux         *transport.Mux
	Detector    *gap.Detector
	Engine      *replica.Engine
}

// Option adjusts the fixture's Config before wiring.
type Option func(*replica.Config)

// WithPeerID pins the local peer id.
func WithPeerID(id int64) Option {
	return func(c *replica.Config) { c.PeerID = id }
}

// WithOnSynced installs the synced hook.
func WithOnSynced(fn func(ident.PeerID)) Option {
	return func(c *replica.Config) { c.OnSynced = fn }
}

// NewFixture wires the full provider graph against a fresh database
// file, mirroring what replica.NewEngine builds, but keeping every
// intermediate service reachable for assertions.
func NewFixture(t testing.TB, opts ...Option) *Fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &replica.Config{
		DBPath:          filepath.Join(t.TempDir(), "meshlite.db"),
		PeerID:          1800,
		PatchApplyDelay: time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	peerID, err := replica.ProvidePeerID(cfg)
	require.NoError(t, err)
	pool, cleanup, err := replica.ProvidePool(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	clock := replica.ProvideClock()
	planner := replica.ProvidePlanner(cfg)
	coord := replica.ProvideCoordinator(pool, planner)
	store := replica.ProvideStore(planner, coord)
	applier := replica.ProvideApplier(pool, store, cfg)
	tracker := replica.ProvideTracker(cfg)
	mux := replica.ProvideMux()
	detector := replica.ProvideDetector(peerID, pool, store, tracker, mux, cfg)
	engine := replica.ProvideEngine(
		cfg, peerID, pool, clock, planner, coord, store, applier, tracker, mux, detector)

	return &Fixture{
		Config:      cfg,
		PeerID:      peerID,
		Pool:        pool,
		Clock:       clock,
		Planner:     planner,
		Coordinator: coord,
		Store:       store,
		Applier:     applier,
		Tracker:     tracker,
		Mux:         mux,
		Detector:    detector,
		Engine:      engine,
	}
}

// Migrations declares the testA table used across the integration
// tests: four user columns behind an integer primary key.
var Migrations = []migrate.Migration{
	{
		Up: `CREATE TABLE testA (
				id INTEGER PRIMARY KEY,
				tenantId INTEGER,
				name TEXT,
				deletedAt INTEGER,
				createdAt INTEGER);
			CREATE TABLE testA_patches (
				_patchedAt INTEGER NOT NULL,
				_peerId INTEGER NOT NULL,
				_sequenceId INTEGER NOT NULL,
				id INTEGER NOT NULL,
				tenantId INTEGER,
				name TEXT,
				deletedAt INTEGER,
				createdAt INTEGER);
			CREATE INDEX testA_patches_at ON testA_patches (_patchedAt)`,
		Down: `DROP TABLE testA_patches; DROP TABLE testA`,
	},
	{
		Up: `ALTER TABLE testA ADD COLUMN notes TEXT;
			ALTER TABLE testA_patches ADD COLUMN notes TEXT`,
		Down: `ALTER TABLE testA_patches DROP COLUMN notes;
			ALTER TABLE testA DROP COLUMN notes`,
	},
}

// Migrate applies the first n standard migrations.
func (f *Fixture) Migrate(t testing.TB, n int) migrate.Result {
	t.Helper()
	res, err := f.Engine.Migrate(context.Background(), Migrations[:n])
	require.NoError(t, err)
	return res
}

// RemotePeer is the far end of an in-process pipe registered with the
// engine: tests send inbound traffic through Socket and observe
// everything the engine sent via Sent.
type RemotePeer struct {
	ID     ident.PeerID
	Socket transport.Socket

	mu   sync.Mutex
	sent []*transport.Envelope
}

// Sent returns a copy of everything the engine delivered to this peer.
func (r *RemotePeer) Sent() []*transport.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*transport.Envelope(nil), r.sent...)
}

// AddRemotePeer registers an in-process peer with the engine.
func (f *Fixture) AddRemotePeer(t testing.TB, id ident.PeerID) *RemotePeer {
	t.Helper()
	local, remote := transport.NewPipe(f.Config.SocketStringMode)
	peer := &RemotePeer{ID: id, Socket: remote}
	remote.Subscribe(func(env *transport.Envelope) {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		peer.sent = append(peer.sent, env)
	})
	f.Engine.AddRemotePeer(id, local)
	return peer
}
