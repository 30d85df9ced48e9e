package migrate

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/merge"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/types"
)

var driverOnce sync.Once

func openMigrateDB(t *testing.T) *sql.DB {
	t.Helper()
	driverOnce.Do(func() {
		sql.Register("sqlite3_migrate_test", &sqlite3.SQLiteDriver{
			ConnectHook: merge.RegisterKeepLast,
		})
	})
	db, err := sql.Open("sqlite3_migrate_test", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

var testMigrations = []Migration{
	{
		Up: `CREATE TABLE testA (id INTEGER PRIMARY KEY, name TEXT);
			CREATE TABLE testA_patches (
				_patchedAt INTEGER NOT NULL, _peerId INTEGER NOT NULL,
				_sequenceId INTEGER NOT NULL, id INTEGER NOT NULL, name TEXT);
			CREATE INDEX testA_patches_at ON testA_patches (_patchedAt)`,
		Down: `DROP TABLE testA_patches; DROP TABLE testA`,
	},
	{
		Up: `ALTER TABLE testA ADD COLUMN qty INTEGER;
			ALTER TABLE testA_patches ADD COLUMN qty INTEGER`,
		Down: `ALTER TABLE testA_patches DROP COLUMN qty;
			ALTER TABLE testA DROP COLUMN qty`,
	},
}

func newCoordinator(t *testing.T, db *sql.DB) (*Coordinator, *patchstore.Store) {
	t.Helper()
	planner := catalog.New()
	c := New(db, planner)
	store := patchstore.New(planner, c.Version)
	c.SetStore(store)
	return c, store
}

func TestMigrateUpFromEmpty(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, _ := newCoordinator(t, db)

	res, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)
	require.Equal(t, Result{CurrentVersion: 1, PreviousVersion: 0}, res)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM migrations`).Scan(&n))
	require.Equal(t, 1, n)
	_, ok := c.planner.Plan("testA")
	require.True(t, ok)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, _ := newCoordinator(t, db)

	_, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)
	res, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)
	require.Equal(t, 1, res.CurrentVersion)
	require.Equal(t, 1, res.PreviousVersion)
}

func TestMigrateDownRevertsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, _ := newCoordinator(t, db)

	_, err := c.Migrate(ctx, testMigrations)
	require.NoError(t, err)
	res, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)
	require.Equal(t, Result{CurrentVersion: 1, PreviousVersion: 2}, res)

	// qty must be gone again.
	rows, err := db.Query(`SELECT qty FROM testA LIMIT 0`)
	require.Error(t, err)
	if rows != nil {
		rows.Close()
	}
}

func TestMigrateFailureRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, _ := newCoordinator(t, db)

	bad := append(append([]Migration{}, testMigrations[0]), Migration{
		Up: `THIS IS NOT SQL`, Down: ``,
	})
	_, err := c.Migrate(ctx, bad)
	require.Error(t, err)

	// Neither migration row may have landed.
	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM migrations`).Scan(&n))
	require.Equal(t, 0, n)
	require.Equal(t, 0, c.Version())
}

func TestEmptyMigrationListYieldsVersionOne(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, _ := newCoordinator(t, db)

	res, err := c.Migrate(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.CurrentVersion)
}

// TestPendingPatchReplayAfterMigrate covers the staging scenario: with
// dbVersion=1, inbound patches at versions 2 and 3 stay staged; after
// migrating to version 2 the version-2 patches move into their shadow
// and the materialized table, while version-3 patches remain staged.
func TestPendingPatchReplayAfterMigrate(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, store := newCoordinator(t, db)

	_, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, db, types.Patch{
		At: hlc.From(100, 0), Peer: 20, Seq: 1, Ver: 2, Tab: "testA",
		Delta: types.Delta{"id": int64(1), "name": "v2", "qty": int64(5)},
	}))
	require.NoError(t, store.Save(ctx, db, types.Patch{
		At: hlc.From(200, 0), Peer: 20, Seq: 2, Ver: 3, Tab: "testA",
		Delta: types.Delta{"id": int64(2), "name": "v3"},
	}))

	var staged int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM pending_patches`).Scan(&staged))
	require.Equal(t, 2, staged)

	_, err = c.Migrate(ctx, testMigrations)
	require.NoError(t, err)

	// The version-2 patch is applied and materialized.
	var name string
	var qty int
	require.NoError(t, db.QueryRow(
		`SELECT name, qty FROM testA WHERE id = 1`).Scan(&name, &qty))
	require.Equal(t, "v2", name)
	require.Equal(t, 5, qty)

	// The version-3 patch is still staged, nothing else remains.
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM pending_patches`).Scan(&staged))
	require.Equal(t, 1, staged)
	var ver int
	require.NoError(t, db.QueryRow(`SELECT patchVersion FROM pending_patches`).Scan(&ver))
	require.Equal(t, 3, ver)
}

// TestPendingPatchForUndeclaredTableStaysStaged: a staged patch whose
// version becomes current but whose table the new schema still doesn't
// declare must survive the replay untouched, not be swept away with the
// rows that were actually re-ingested.
func TestPendingPatchForUndeclaredTableStaysStaged(t *testing.T) {
	ctx := context.Background()
	db := openMigrateDB(t)
	c, store := newCoordinator(t, db)

	_, err := c.Migrate(ctx, testMigrations[:1])
	require.NoError(t, err)

	// Both patches carry version 2; only testA exists at version 2.
	require.NoError(t, store.Save(ctx, db, types.Patch{
		At: hlc.From(100, 0), Peer: 20, Seq: 1, Ver: 2, Tab: "testA",
		Delta: types.Delta{"id": int64(1), "name": "replayed"},
	}))
	require.NoError(t, store.Save(ctx, db, types.Patch{
		At: hlc.From(200, 0), Peer: 20, Seq: 2, Ver: 2, Tab: "ghost",
		Delta: types.Delta{"id": int64(1), "name": "orphaned"},
	}))

	_, err = c.Migrate(ctx, testMigrations)
	require.NoError(t, err)

	// The testA patch was replayed and unstaged.
	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM testA WHERE id = 1`).Scan(&name))
	require.Equal(t, "replayed", name)

	// The ghost patch is still staged, byte for byte.
	var staged int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM pending_patches`).Scan(&staged))
	require.Equal(t, 1, staged)
	var tab string
	var seq uint64
	require.NoError(t, db.QueryRow(
		`SELECT tableName, _sequenceId FROM pending_patches`).Scan(&tab, &seq))
	require.Equal(t, "ghost", tab)
	require.EqualValues(t, 2, seq)
}
