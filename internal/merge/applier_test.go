package merge

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/types"
	"github.com/meshlite/meshlite/internal/util/stopper"
)

func openApplierFixture(t *testing.T) (*sql.DB, *patchstore.Store) {
	t.Helper()
	db := openKeepLastDB(t)
	_, err := db.Exec(`
		CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT);
		CREATE TABLE widgets_patches (
			_patchedAt INTEGER NOT NULL,
			_peerId INTEGER NOT NULL,
			_sequenceId INTEGER NOT NULL,
			id INTEGER NOT NULL,
			name TEXT
		);
		CREATE TABLE pending_patches (
			_patchedAt INTEGER NOT NULL,
			_peerId INTEGER NOT NULL,
			_sequenceId INTEGER NOT NULL,
			patchVersion INTEGER NOT NULL,
			tableName TEXT NOT NULL,
			delta BLOB
		);
	`)
	require.NoError(t, err)

	planner := catalog.New()
	require.NoError(t, planner.Rebuild(context.Background(), db))
	return db, patchstore.New(planner, func() int { return 1 })
}

func savePatch(t *testing.T, db *sql.DB, store *patchstore.Store, at int64, seq uint64, name string) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), db, types.Patch{
		At: hlc.From(at, 0), Peer: 2, Seq: seq, Ver: 1, Tab: "widgets",
		Delta: types.Delta{"id": int64(1), "name": name},
	}))
}

func TestApplyLocalIsSynchronous(t *testing.T) {
	db, store := openApplierFixture(t)
	a := NewApplier(db, store, time.Hour) // debounce must not matter

	savePatch(t, db, store, 100, 1, "hello")
	require.NoError(t, a.ApplyLocal(context.Background(), "widgets", hlc.From(100, 0)))

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name))
	require.Equal(t, "hello", name)
}

func TestEnqueueRemoteKeepsMinimumThreshold(t *testing.T) {
	db, store := openApplierFixture(t)
	a := NewApplier(db, store, 0)

	a.EnqueueRemote("widgets", hlc.From(500, 0))
	a.EnqueueRemote("widgets", hlc.From(100, 0))
	a.EnqueueRemote("widgets", hlc.From(900, 0))

	a.mu.Lock()
	from := a.mu.pending["widgets"]
	a.mu.Unlock()
	require.Equal(t, hlc.From(100, 0), from)
}

func TestDebouncedFlushCoalescesBurst(t *testing.T) {
	db, store := openApplierFixture(t)
	a := NewApplier(db, store, 5*time.Millisecond)

	ctx := stopper.WithContext(context.Background())
	defer ctx.Stop(time.Second)
	a.Run(ctx)

	savePatch(t, db, store, 100, 1, "one")
	savePatch(t, db, store, 200, 2, "two")
	a.EnqueueRemote("widgets", hlc.From(200, 0))
	a.EnqueueRemote("widgets", hlc.From(100, 0))

	require.Eventually(t, func() bool {
		var name string
		if err := db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name); err != nil {
			return false
		}
		return name == "two"
	}, time.Second, time.Millisecond)
}

func TestStopDrainsPendingFlush(t *testing.T) {
	db, store := openApplierFixture(t)
	a := NewApplier(db, store, time.Hour)

	ctx := stopper.WithContext(context.Background())
	a.Run(ctx)

	savePatch(t, db, store, 100, 1, "drained")
	a.EnqueueRemote(ident.Table("widgets"), hlc.From(100, 0))
	ctx.Stop(time.Second)
	require.NoError(t, ctx.Wait())

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name))
	require.Equal(t, "drained", name)
}
