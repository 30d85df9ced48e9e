// Package merge folds shadow-table rows into materialized tables. The
// CRDT rule lives in the keep_last SQL aggregate: per column,
// last-writer-wins keyed by the (patchedAt, peerId, sequenceId) triple,
// with null-as-unchanged semantics.
package merge

import (
	"github.com/mattn/go-sqlite3"
)

// RegisterKeepLast loads the keep_last aggregate into a SQLite
// connection. Intended for use from a driver ConnectHook so every
// connection in the pool carries the UDF.
func RegisterKeepLast(conn *sqlite3.SQLiteConn) error {
	return conn.RegisterAggregator("keep_last", newKeepLast, true)
}

// keepLast accumulates the value of the row with the greatest
// (patchedAt, peerId, sequenceId) triple in a group. A null value never
// displaces a non-null one; it only seeds the state when it is the
// first row seen, so an untouched column survives later partial
// patches.
type keepLast struct {
	seen  bool
	at    int64
	peer  int64
	seq   int64
	value any
}

func newKeepLast() *keepLast { return &keepLast{} }

func (k *keepLast) Step(value any, patchedAt, peerID, sequenceID int64) {
	if !k.seen {
		k.seen = true
		k.at, k.peer, k.seq = patchedAt, peerID, sequenceID
		k.value = value
		return
	}
	// go-sqlite3 hands a SQL NULL to an `any` argument as a nil []byte.
	if b, isBytes := value.([]byte); value == nil || (isBytes && b == nil) {
		return
	}
	if tripleLess(k.at, k.peer, k.seq, patchedAt, peerID, sequenceID) {
		k.at, k.peer, k.seq = patchedAt, peerID, sequenceID
		k.value = value
	}
}

func (k *keepLast) Done() any { return k.value }

// tripleLess is lexicographic comparison of (at, peer, seq) triples.
func tripleLess(aAt, aPeer, aSeq, bAt, bPeer, bSeq int64) bool {
	if aAt != bAt {
		return aAt < bAt
	}
	if aPeer != bPeer {
		return aPeer < bPeer
	}
	return aSeq < bSeq
}
