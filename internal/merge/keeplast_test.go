package merge

import (
	"database/sql"
	"sync"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

var testDriverOnce sync.Once

func openKeepLastDB(t *testing.T) *sql.DB {
	t.Helper()
	testDriverOnce.Do(func() {
		sql.Register("sqlite3_keeplast_test", &sqlite3.SQLiteDriver{
			ConnectHook: RegisterKeepLast,
		})
	})
	db, err := sql.Open("sqlite3_keeplast_test", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE p (
		_patchedAt INTEGER, _peerId INTEGER, _sequenceId INTEGER, id INTEGER, val TEXT)`)
	require.NoError(t, err)
	return db
}

func TestKeepLastPicksGreatestTriple(t *testing.T) {
	db := openKeepLastDB(t)
	_, err := db.Exec(`INSERT INTO p VALUES
		(100, 1, 1, 1, 'a'),
		(300, 1, 2, 1, 'c'),
		(200, 2, 1, 1, 'b')`)
	require.NoError(t, err)

	var got string
	require.NoError(t, db.QueryRow(
		`SELECT keep_last(val, _patchedAt, _peerId, _sequenceId) FROM p GROUP BY id`).Scan(&got))
	require.Equal(t, "c", got)
}

func TestKeepLastBreaksTimestampTiesByPeerThenSeq(t *testing.T) {
	db := openKeepLastDB(t)
	_, err := db.Exec(`INSERT INTO p VALUES
		(100, 2, 1, 1, 'peer2'),
		(100, 1, 9, 1, 'peer1'),
		(100, 2, 2, 1, 'peer2seq2')`)
	require.NoError(t, err)

	var got string
	require.NoError(t, db.QueryRow(
		`SELECT keep_last(val, _patchedAt, _peerId, _sequenceId) FROM p GROUP BY id`).Scan(&got))
	require.Equal(t, "peer2seq2", got)
}

func TestKeepLastNullNeverDisplacesValue(t *testing.T) {
	db := openKeepLastDB(t)
	_, err := db.Exec(`INSERT INTO p VALUES
		(100, 1, 1, 1, 'kept'),
		(200, 1, 2, 1, NULL)`)
	require.NoError(t, err)

	var got string
	require.NoError(t, db.QueryRow(
		`SELECT keep_last(val, _patchedAt, _peerId, _sequenceId) FROM p GROUP BY id`).Scan(&got))
	require.Equal(t, "kept", got)
}

func TestKeepLastAllNullsYieldsNull(t *testing.T) {
	db := openKeepLastDB(t)
	_, err := db.Exec(`INSERT INTO p VALUES
		(100, 1, 1, 1, NULL),
		(200, 1, 2, 1, NULL)`)
	require.NoError(t, err)

	var got sql.NullString
	require.NoError(t, db.QueryRow(
		`SELECT keep_last(val, _patchedAt, _peerId, _sequenceId) FROM p GROUP BY id`).Scan(&got))
	require.False(t, got.Valid)
}

func TestKeepLastLateArrivalDoesNotWin(t *testing.T) {
	// Arrival order differs from timestamp order; the aggregate must pick
	// by triple, not by insertion order.
	db := openKeepLastDB(t)
	_, err := db.Exec(`INSERT INTO p VALUES
		(300, 1, 3, 1, 'newest'),
		(100, 1, 1, 1, 'oldest')`)
	require.NoError(t, err)

	var got string
	require.NoError(t, db.QueryRow(
		`SELECT keep_last(val, _patchedAt, _peerId, _sequenceId) FROM p GROUP BY id`).Scan(&got))
	require.Equal(t, "newest", got)
}
