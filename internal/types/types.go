// Package types contains the data types and interfaces that define the
// major functional blocks of the replication core. Keeping them in one
// package makes it possible to compose the pipeline without import
// cycles.
package types

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
)

// MessageType enumerates the wire message kinds.
type MessageType int

const (
	// MessagePatch carries a row-level change, or (on the reserved table)
	// a peer-stat snapshot.
	MessagePatch MessageType = 10
	// MessagePing carries a peer-stat vector and is never persisted; a
	// persistent snapshot travels as a MessagePatch on the reserved table.
	MessagePing MessageType = 20
	// MessageMissingPatch requests retransmission of a sequence range.
	MessageMissingPatch MessageType = 30
)

func (m MessageType) String() string {
	switch m {
	case MessagePatch:
		return "PATCH"
	case MessagePing:
		return "PING"
	case MessageMissingPatch:
		return "MISSING_PATCH"
	default:
		return "UNKNOWN"
	}
}

// Delta is a partial column mapping: keys present mean "set this column",
// keys absent mean "not touched by this patch".
type Delta map[string]any

// Patch is the immutable, per-peer, strictly-sequenced unit of replication.
type Patch struct {
	Type  MessageType
	At    hlc.Time
	Peer  ident.PeerID
	Seq   uint64
	Ver   int
	Tab   ident.Table
	Delta Delta
}

// IsPeerStatPayload reports whether this patch carries the reserved
// peer-stat payload rather than a user row (Tab == ident.ReservedTable).
func (p Patch) IsPeerStatPayload() bool {
	return string(p.Tab) == ident.ReservedTable
}

// MissingPatchRequest is the payload of a MISSING_PATCH message: "I,
// ForPeer, ask you for patches produced by Peer in [MinSeq..MaxSeq]".
type MissingPatchRequest struct {
	Peer    ident.PeerID
	MinSeq  uint64
	MaxSeq  uint64
	ForPeer ident.PeerID
}

// StatIndex names the five counters tracked per remote peer.
type StatIndex int

const (
	LastPatchAtTimestamp StatIndex = iota
	LastSequenceID
	GuaranteedContiguousPatchAtTimestamp
	GuaranteedContiguousSequenceID
	LastMessageTimestamp
	statCount
)

// PeerStats is the fixed five-element counter vector for one remote peer.
type PeerStats [statCount]int64

// Synced reports whether the guaranteed-contiguous sequence has caught up
// to the highest sequence ever seen for this peer.
func (s PeerStats) Synced() bool {
	return s[GuaranteedContiguousSequenceID] >= s[LastSequenceID]
}

// MarshalJSON encodes a PeerStats as the five-element array form pings
// carry on the wire.
func (s PeerStats) MarshalJSON() ([]byte, error) {
	arr := [statCount]int64(s)
	return json.Marshal(arr)
}

// UnmarshalJSON decodes the wire array form back into a PeerStats.
func (s *PeerStats) UnmarshalJSON(data []byte) error {
	var arr [statCount]int64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*s = PeerStats(arr)
	return nil
}

// ColumnData describes one SQL column of a replicated table.
type ColumnData struct {
	Name    string
	Primary bool
}

// TableSchema describes the primary-key/non-key column split the planner
// needs to compile per-table SQL, derived from catalog introspection.
type TableSchema struct {
	Table      ident.Table
	PatchTable ident.Table
	PrimaryKey []ColumnData
	Columns    []ColumnData // all replicated user columns, in the base table's declaration order
}

// NonKeyColumns returns the columns that are not part of the primary key.
func (s TableSchema) NonKeyColumns() []ColumnData {
	out := make([]ColumnData, 0, len(s.Columns))
	for _, c := range s.Columns {
		if !c.Primary {
			out = append(out, c)
		}
	}
	return out
}

// Querier is implemented by *sql.DB and *sql.Tx: anything the core can run
// statements against.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// MissingRange describes one gap found by listMissingSequenceIds: the
// last sequence held for Peer before the gap, the width of the gap, and
// the HLC of that last held patch.
type MissingRange struct {
	Peer       ident.PeerID
	SequenceID uint64
	NMissing   uint64
	PatchedAt  hlc.Time
}

// PeerStatDelta encodes a stats map as the Delta of a ping patch on the
// reserved table: peerId -> five-element counter array.
func PeerStatDelta(stats map[ident.PeerID]PeerStats) Delta {
	out := make(Delta, len(stats))
	for peer, s := range stats {
		out[peer.String()] = s
	}
	return out
}

// ParsePeerStatDelta is the inverse of PeerStatDelta. It tolerates both
// in-process values (PeerStats) and the []any/float64 shape produced by
// a JSON round trip; unparseable entries are skipped.
func ParsePeerStatDelta(d Delta) map[ident.PeerID]PeerStats {
	out := make(map[ident.PeerID]PeerStats, len(d))
	for key, value := range d {
		var id int64
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			continue
		}
		switch v := value.(type) {
		case PeerStats:
			out[ident.PeerID(id)] = v
		case []any:
			var s PeerStats
			if len(v) > len(s) {
				continue
			}
			ok := true
			for i, elem := range v {
				n, isNum := elem.(float64)
				if !isNum {
					ok = false
					break
				}
				s[i] = int64(n)
			}
			if ok {
				out[ident.PeerID(id)] = s
			}
		}
	}
	return out
}
