package merge

import (
	"context"
	"database/sql"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/util/notify"
	"github.com/meshlite/meshlite/internal/util/stopper"
)

// Applier materializes patches. Local writes apply synchronously so the
// caller observes its own write; remote patches are debounced per table
// so a burst received between two flushes produces exactly one merge
// pass whose lower bound is the minimum _patchedAt among them.
type Applier struct {
	db    *sql.DB
	store *patchstore.Store
	delay time.Duration

	marked notify.Var[struct{}]

	mu struct {
		sync.Mutex
		// Lowest _patchedAt accumulated per table since the last flush.
		pending map[ident.Table]hlc.Time
	}
}

// NewApplier returns an Applier. delay is the debounce window for
// remote patches; zero flushes on the next loop turn.
func NewApplier(db *sql.DB, store *patchstore.Store, delay time.Duration) *Applier {
	a := &Applier{db: db, store: store, delay: delay}
	a.mu.pending = make(map[ident.Table]hlc.Time)
	return a
}

// ApplyLocal runs the merge for one table synchronously, so the
// materialized row reflects a local write before upsert returns.
func (a *Applier) ApplyLocal(ctx context.Context, table ident.Table, at hlc.Time) error {
	return a.store.ApplyPatches(ctx, a.db, table, at)
}

// EnqueueRemote records a remote patch for the next debounced flush.
// Only ever lowers the per-table threshold.
func (a *Applier) EnqueueRemote(table ident.Table, at hlc.Time) {
	a.mu.Lock()
	if cur, ok := a.mu.pending[table]; !ok || at < cur {
		a.mu.pending[table] = at
	}
	a.mu.Unlock()
	a.marked.Set(struct{}{})
}

// Flush applies every accumulated table immediately, resetting the
// thresholds. Exposed for tests and for shutdown.
func (a *Applier) Flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.mu.pending
	a.mu.pending = make(map[ident.Table]hlc.Time)
	a.mu.Unlock()

	for table, from := range batch {
		start := time.Now()
		if err := a.store.ApplyPatches(ctx, a.db, table, from); err != nil {
			log.WithError(err).Warnf("could not apply patches for %s", table)
			continue
		}
		log.WithFields(log.Fields{
			"table":    table,
			"from":     from,
			"duration": time.Since(start),
		}).Trace("flushed remote patches")
	}
}

// Run starts the debounce loop. It drains one last time on a graceful
// stop so accepted patches are not left unmaterialized.
func (a *Applier) Run(ctx *stopper.Context) {
	// Take the first wakeup channel before returning, so an enqueue that
	// follows Run is never missed.
	_, wakeup := a.marked.Get()
	ctx.Go(func() error {
		timer := time.NewTimer(time.Hour)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case <-wakeup:
				_, wakeup = a.marked.Get()
				if a.delay > 0 {
					timer.Reset(a.delay)
					select {
					case <-timer.C:
					case <-ctx.Stopping():
						a.Flush(ctx)
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				a.Flush(ctx)
			case <-ctx.Stopping():
				a.Flush(ctx)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
