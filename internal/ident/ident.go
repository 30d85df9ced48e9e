// Package ident validates and carries the small set of names the
// replication core has to reason about: table names and peer
// identifiers, as small validated wrapper types passed by value.
package ident

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/meshlite/meshlite/internal/hlc"
)

// PatchesSuffix is appended to a user table name to name its shadow table.
const PatchesSuffix = "_patches"

// PendingPatchesTable is the name of the schema-version staging table.
const PendingPatchesTable = "pending_patches"

// MigrationsTable is the name of the infra table tracking schema versions.
const MigrationsTable = "migrations"

// ReservedTable is the sentinel "tab" value carrying peer-stat ping data
// instead of a row.
const ReservedTable = "_"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table is a validated SQL table identifier.
type Table string

// NewTable validates name as a legal, unquoted SQL identifier.
func NewTable(name string) (Table, error) {
	if !tableNamePattern.MatchString(name) {
		return "", errors.Errorf("ident: %q is not a valid table name", name)
	}
	return Table(name), nil
}

// PatchTable returns the shadow-table name for a base table.
func (t Table) PatchTable() Table {
	return Table(string(t) + PatchesSuffix)
}

// IsPatchTable reports whether t looks like a `<base>_patches` shadow
// table (and is not the pending_patches infra table itself).
func (t Table) IsPatchTable() bool {
	s := string(t)
	if s == PendingPatchesTable {
		return false
	}
	suffix := len(s) - len(PatchesSuffix)
	return suffix > 0 && s[suffix:] == PatchesSuffix
}

// BaseTable strips the _patches suffix. Only valid when IsPatchTable is true.
func (t Table) BaseTable() Table {
	s := string(t)
	return Table(s[:len(s)-len(PatchesSuffix)])
}

func (t Table) String() string { return string(t) }

// PeerID is a 53-bit peer identifier. Uniqueness across peers is
// probabilistic; collisions break convergence.
type PeerID int64

func (p PeerID) String() string {
	return fmt.Sprintf("%d", int64(p))
}

// NewPeerID generates a probabilistically-unique peer id:
// ((wall_ms - HLC epoch) << 13) | rand(0..8090).
func NewPeerID() PeerID {
	ms := time.Now().UnixMilli() - hlc.EpochMillis
	return PeerID((ms << hlc.CounterBits) | int64(rand.Intn(8091)))
}
