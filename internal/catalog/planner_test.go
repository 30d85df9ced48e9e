package catalog

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER);
		CREATE TABLE widgets_patches (
			_patchedAt INTEGER NOT NULL,
			_peerId INTEGER NOT NULL,
			_sequenceId INTEGER NOT NULL,
			id INTEGER NOT NULL,
			name TEXT,
			qty INTEGER
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
	return db
}

func TestRebuildDiscoversShadowTables(t *testing.T) {
	db := openTestDB(t)
	p := New()

	require.NoError(t, p.Rebuild(context.Background(), db))

	tables := p.Tables()
	require.Len(t, tables, 1)
	require.Equal(t, "widgets", tables[0].String())
}

func TestRebuildExcludesPendingPatches(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	_, ok := p.Plan("pending_patches")
	require.False(t, ok)
}

func TestPlanSplitsPrimaryKeyFromNonKeyColumns(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	plan, ok := p.Plan("widgets")
	require.True(t, ok)
	require.Len(t, plan.Schema.PrimaryKey, 1)
	require.Equal(t, "id", plan.Schema.PrimaryKey[0].Name)

	nonKey := plan.Schema.NonKeyColumns()
	require.Len(t, nonKey, 2)
}

func TestCompiledApplyPatchesUsesKeepLastAndCoalesce(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	plan, ok := p.Plan("widgets")
	require.True(t, ok)
	require.Contains(t, plan.ApplyPatches, "keep_last(name, _patchedAt, _peerId, _sequenceId)")
	require.Contains(t, plan.ApplyPatches, "coalesce(excluded.name, name)")
	require.Contains(t, plan.ApplyPatches, "GROUP BY id")
}

func TestUnknownTableIsNotPlanned(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	_, ok := p.Plan("does_not_exist")
	require.False(t, ok)
}

func TestRebuildIsIdempotentAcrossCalls(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))
	require.NoError(t, p.Rebuild(context.Background(), db))

	require.Len(t, p.Tables(), 1)
}

func TestGlobalPlanUnionsPendingAndShadowTables(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	g := p.Global()
	require.NotNil(t, g)
	require.Equal(t, 2, g.ListMissingArgCount, "pending_patches plus one shadow table")
	require.Contains(t, g.ListMissingSequenceIds, "FROM pending_patches")
	require.Contains(t, g.ListMissingSequenceIds, "FROM widgets_patches")
	require.Contains(t, g.ListMissingSequenceIds, "lead(_sequenceId) OVER (PARTITION BY _peerId ORDER BY _sequenceId)")
	require.Contains(t, g.GetLastPatchInfo, "max(_sequenceId)")
}

func TestGlobalPlanExecutesAgainstSQLite(t *testing.T) {
	db := openTestDB(t)
	p := New()
	require.NoError(t, p.Rebuild(context.Background(), db))

	_, err := db.Exec(`
		INSERT INTO widgets_patches (_patchedAt, _peerId, _sequenceId, id) VALUES
			(100, 2, 1, 1), (200, 2, 3, 1), (300, 2, 7, 2);
		INSERT INTO pending_patches (_patchedAt, _peerId, _sequenceId, patchVersion, tableName, delta) VALUES
			(400, 2, 8, 2, 'widgets', '{}');
	`)
	require.NoError(t, err)

	g := p.Global()
	rows, err := db.Query(g.ListMissingSequenceIds, int64(0), int64(0))
	require.NoError(t, err)
	defer rows.Close()

	type gap struct {
		peer, at      int64
		seq, nMissing uint64
	}
	var gaps []gap
	for rows.Next() {
		var g gap
		require.NoError(t, rows.Scan(&g.peer, &g.seq, &g.nMissing, &g.at))
		gaps = append(gaps, g)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []gap{
		{peer: 2, at: 100, seq: 1, nMissing: 1},
		{peer: 2, at: 200, seq: 3, nMissing: 3},
	}, gaps)
}
