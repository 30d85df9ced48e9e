package catalog

import (
	"fmt"
	"strings"

	"github.com/meshlite/meshlite/internal/ident"
)

// GlobalPlan holds the compiled SQL that spans every shadow table plus
// pending_patches, recompiled alongside the per-table plans on each
// Rebuild.
type GlobalPlan struct {
	// ListMissingSequenceIds finds, ordered by (_peerId, _sequenceId),
	// every row whose lead() sibling in the same peer partition leaves a
	// gap, carrying the gap width. Bind ListMissingArgCount copies of the
	// fromTs lower bound.
	ListMissingSequenceIds string
	ListMissingArgCount    int

	// GetLastPatchInfo returns (MAX _patchedAt, MAX _sequenceId) over
	// patches one peer produced at or after a timestamp. Bind
	// LastPatchInfoArgCount copies of the (peer, fromTs) pair.
	GetLastPatchInfo      string
	LastPatchInfoArgCount int
}

// Global returns the compiled cross-table plan. Always present after a
// Rebuild: even with no user tables declared, pending_patches alone
// contributes a branch.
func (p *Planner) Global() *GlobalPlan {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.global
}

// buildGlobal composes UNION ALL over pending_patches and every shadow
// table. Each branch projects the same (_peerId, _sequenceId, _patchedAt)
// triple so the window and aggregate forms stay table-agnostic.
func buildGlobal(shadowTables []string, hook PlaceholderHook) *GlobalPlan {
	branches := append([]string{ident.PendingPatchesTable}, shadowTables...)

	var missing strings.Builder
	missing.WriteString("SELECT _peerId, _sequenceId, nbMissing, _patchedAt FROM (")
	missing.WriteString("SELECT _peerId, _sequenceId, _patchedAt, ")
	missing.WriteString("lead(_sequenceId) OVER (PARTITION BY _peerId ORDER BY _sequenceId) - _sequenceId - 1 AS nbMissing")
	missing.WriteString(" FROM (")
	for i, table := range branches {
		if i > 0 {
			missing.WriteString(" UNION ALL ")
		}
		fmt.Fprintf(&missing,
			"SELECT _peerId, _sequenceId, _patchedAt FROM %s WHERE _patchedAt >= %s",
			table, hook(table, "_patchedAt"))
	}
	missing.WriteString(")) WHERE nbMissing > 0 ORDER BY _peerId, _sequenceId")

	var last strings.Builder
	last.WriteString("SELECT max(_patchedAt), max(_sequenceId) FROM (")
	for i, table := range branches {
		if i > 0 {
			last.WriteString(" UNION ALL ")
		}
		fmt.Fprintf(&last,
			"SELECT _patchedAt, _sequenceId FROM %s WHERE _peerId = %s AND _patchedAt >= %s",
			table, hook(table, "_peerId"), hook(table, "_patchedAt"))
	}
	last.WriteString(")")

	return &GlobalPlan{
		ListMissingSequenceIds: missing.String(),
		ListMissingArgCount:    len(branches),
		GetLastPatchInfo:       last.String(),
		LastPatchInfoArgCount:  len(branches),
	}
}
