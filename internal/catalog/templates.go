package catalog

import (
	"fmt"
	"strings"
)

// PlaceholderHook maps a (table, column) pair to the placeholder text the
// embedding application wants for that position. The default yields a
// single "?" per column, matching SQLite's native placeholder syntax.
type PlaceholderHook func(table, column string) string

// DefaultPlaceholderHook is the stdlib-friendly "?" placeholder used unless
// a Planner is constructed WithPlaceholderHook.
func DefaultPlaceholderHook(_, _ string) string { return "?" }

// buildInsert assembles an "INSERT INTO table (cols...) VALUES (phs...)"
// statement, one placeholder per value, in column order.
func buildInsert(table string, columns []string, hook PlaceholderHook) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", table)
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
	}
	b.WriteString(") VALUES (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(hook(table, col))
	}
	b.WriteString(")")
	return b.String()
}

// buildApplyPatches assembles the merge-apply statement: an aggregated
// SELECT over the shadow table, folded into the materialized table with
// an upsert that never lets a NULL clobber an existing value.
func buildApplyPatches(table, patchTable string, pk, nonKey []string, hook PlaceholderHook) string {
	var b strings.Builder

	allCols := append(append([]string{}, pk...), nonKey...)

	fmt.Fprintf(&b, "INSERT INTO %s (", table)
	b.WriteString(strings.Join(allCols, ", "))
	b.WriteString(") SELECT ")
	for i, col := range pk {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col)
	}
	for _, col := range nonKey {
		fmt.Fprintf(&b, ", keep_last(%s, _patchedAt, _peerId, _sequenceId) AS %s", col, col)
	}
	fmt.Fprintf(&b, " FROM %s WHERE _patchedAt >= %s GROUP BY ", patchTable, hook(patchTable, "_patchedAt"))
	b.WriteString(strings.Join(pk, ", "))

	if len(nonKey) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(pk, ", "))
		b.WriteString(") DO UPDATE SET ")
		for i, col := range nonKey {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = coalesce(excluded.%s, %s)", col, col, col)
		}
	}

	return b.String()
}

// buildDeleteOldPatches assembles the retention-sweep statement.
func buildDeleteOldPatches(table string, hook PlaceholderHook) string {
	return fmt.Sprintf("DELETE FROM %s WHERE _patchedAt < %s", table, hook(table, "_patchedAt"))
}

// buildGetPatchFromColumn assembles the exact-range retrieval statement
// used to serve MISSING_PATCH responses. The startup restore of the
// high-water mark uses buildGetLastPatchInfo instead.
func buildGetPatchFromColumn(table string, allColumns []string, hook PlaceholderHook) string {
	return fmt.Sprintf(
		"SELECT _patchedAt, _peerId, _sequenceId, %s FROM %s WHERE _peerId = %s AND _sequenceId BETWEEN %s AND %s ORDER BY _sequenceId",
		strings.Join(allColumns, ", "), table,
		hook(table, "_peerId"), hook(table, "_sequenceId_min"), hook(table, "_sequenceId_max"),
	)
}

// buildGetLastPatchInfo assembles the statement used to restore the local
// peer's own high-water mark (seq, at) after a restart.
func buildGetLastPatchInfo(table string, hook PlaceholderHook) string {
	return fmt.Sprintf(
		"SELECT max(_patchedAt), max(_sequenceId) FROM %s WHERE _peerId = %s AND _patchedAt >= %s",
		table, hook(table, "_peerId"), hook(table, "_fromTs"),
	)
}
