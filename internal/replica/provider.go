package replica

import (
	"context"

	"github.com/google/wire"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/gap"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/merge"
	"github.com/meshlite/meshlite/internal/migrate"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/peerstat"
	"github.com/meshlite/meshlite/internal/transport"
	"github.com/meshlite/meshlite/internal/util/sqlitepool"
)

// Set is used by Wire.
var Set = wire.NewSet(
	ProvideApplier,
	ProvideClock,
	ProvideCoordinator,
	ProvideDetector,
	ProvideEngine,
	ProvideMux,
	ProvidePeerID,
	ProvidePlanner,
	ProvidePool,
	ProvideStore,
	ProvideTracker,
)

// ProvidePeerID validates the configuration and resolves this peer's
// identity, generating one when unset.
func ProvidePeerID(config *Config) (ident.PeerID, error) {
	if err := config.Preflight(); err != nil {
		return 0, err
	}
	if config.PeerID != 0 {
		return ident.PeerID(config.PeerID), nil
	}
	id := ident.NewPeerID()
	log.WithField("peer", id).Info("generated peer id")
	return id, nil
}

// ProvidePool is called by Wire to open the database file. The pool is
// closed by the cancel function.
func ProvidePool(ctx context.Context, config *Config) (*sqlitepool.Pool, func(), error) {
	return sqlitepool.Open(ctx, config.DBPath)
}

// ProvideClock is called by Wire.
func ProvideClock() *hlc.Clock {
	return hlc.NewClock()
}

// ProvidePlanner is called by Wire.
func ProvidePlanner(config *Config) *catalog.Planner {
	if config.PrepareStatementHook != nil {
		return catalog.New(catalog.WithPlaceholderHook(config.PrepareStatementHook))
	}
	return catalog.New()
}

// ProvideCoordinator is called by Wire.
func ProvideCoordinator(pool *sqlitepool.Pool, planner *catalog.Planner) *migrate.Coordinator {
	return migrate.New(pool.DB, planner)
}

// ProvideStore is called by Wire. The store reads the schema version
// through the coordinator, and the coordinator replays staged patches
// through the store, hence the SetStore knot.
func ProvideStore(planner *catalog.Planner, coord *migrate.Coordinator) *patchstore.Store {
	store := patchstore.New(planner, coord.Version)
	coord.SetStore(store)
	return store
}

// ProvideApplier is called by Wire.
func ProvideApplier(pool *sqlitepool.Pool, store *patchstore.Store, config *Config) *merge.Applier {
	return merge.NewApplier(pool.DB, store, config.PatchApplyDelay)
}

// ProvideTracker is called by Wire.
func ProvideTracker(config *Config) *peerstat.Tracker {
	return peerstat.New(config.OnSynced)
}

// ProvideMux is called by Wire.
func ProvideMux() *transport.Mux {
	return transport.NewMux()
}

// ProvideDetector is called by Wire.
func ProvideDetector(
	self ident.PeerID,
	pool *sqlitepool.Pool,
	store *patchstore.Store,
	tracker *peerstat.Tracker,
	mux *transport.Mux,
	config *Config,
) *gap.Detector {
	return gap.NewDetector(self, pool.DB, store, tracker, mux, config.MaxRequestForMissingPatches)
}

// ProvideEngine is called by Wire.
func ProvideEngine(
	config *Config,
	self ident.PeerID,
	pool *sqlitepool.Pool,
	clock *hlc.Clock,
	planner *catalog.Planner,
	coord *migrate.Coordinator,
	store *patchstore.Store,
	applier *merge.Applier,
	tracker *peerstat.Tracker,
	mux *transport.Mux,
	detector *gap.Detector,
) *Engine {
	return newEngine(config, self, pool, clock, planner, coord, store, applier, tracker, mux, detector)
}
