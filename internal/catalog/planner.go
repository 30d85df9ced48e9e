// Package catalog implements the schema introspector and statement
// planner. On migration completion it enumerates every `<table>_patches`
// shadow table, derives primary-key and non-key columns from the base
// table, and compiles the SQL text the rest of the replication core
// runs. Compiled plans are cached per table rather than rebuilt per
// call.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// TablePlan holds the compiled SQL for one replicated table.
type TablePlan struct {
	Schema types.TableSchema

	SavePatch         string
	ApplyPatches      string
	DeleteOldPatches  string
	GetPatchFromRange string
	GetLastPatchInfo  string

	// AllColumns is pk followed by non-key columns, the order patches
	// project their Delta through.
	AllColumns []string
}

// Planner compiles and caches per-table SQL plans. It is rebuilt whenever
// the Migration Coordinator completes a schema change.
type Planner struct {
	hook PlaceholderHook

	mu     sync.RWMutex
	plans  map[ident.Table]*TablePlan // keyed by base table name
	global *GlobalPlan
}

// Option configures a Planner.
type Option func(*Planner)

// WithPlaceholderHook overrides the default "?" placeholder syntax.
func WithPlaceholderHook(hook PlaceholderHook) Option {
	return func(p *Planner) { p.hook = hook }
}

// New returns an empty Planner. Call Rebuild before using it.
func New(opts ...Option) *Planner {
	p := &Planner{hook: DefaultPlaceholderHook, plans: map[ident.Table]*TablePlan{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rebuild enumerates every `<table>_patches` table in the SQLite catalog
// (excluding pending_patches), derives each base table's column schema, and
// recompiles every TablePlan. It is idempotent and safe to call repeatedly,
// e.g. once per completed migration.
func (p *Planner) Rebuild(ctx context.Context, db *sql.DB) error {
	shadowTables, err := listShadowTables(ctx, db)
	if err != nil {
		return errors.Wrap(err, "listing shadow tables")
	}

	plans := make(map[ident.Table]*TablePlan, len(shadowTables))
	shadowNames := make([]string, 0, len(shadowTables))
	for _, shadow := range shadowTables {
		base := shadow.BaseTable()
		schema, err := introspect(ctx, db, base, shadow)
		if err != nil {
			return errors.Wrapf(err, "introspecting table %s", base)
		}
		plans[base] = compile(schema, p.hook)
		shadowNames = append(shadowNames, string(shadow))
	}
	sort.Strings(shadowNames)

	p.mu.Lock()
	p.plans = plans
	p.global = buildGlobal(shadowNames, p.hook)
	p.mu.Unlock()

	log.WithField("tables", len(plans)).Info("statement planner rebuilt")
	return nil
}

// Plan returns the compiled plan for a base table, or false if the table
// is not known to the planner: a caller error for local writes, a
// dropped-and-logged message for inbound patches.
func (p *Planner) Plan(table ident.Table) (*TablePlan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan, ok := p.plans[table]
	return plan, ok
}

// Tables returns every base table known to the planner, sorted for
// deterministic iteration (used by cross-table range retrieval, the
// retention sweep, backup, and tests; the global plans are built from
// Rebuild's own shadow-table list).
func (p *Planner) Tables() []ident.Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ident.Table, 0, len(p.plans))
	for t := range p.plans {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func compile(schema types.TableSchema, hook PlaceholderHook) *TablePlan {
	pkNames := columnNames(schema.PrimaryKey)
	nonKeyNames := columnNames(schema.NonKeyColumns())
	allCols := append(append([]string{}, pkNames...), nonKeyNames...)
	patchCols := append([]string{"_patchedAt", "_peerId", "_sequenceId"}, allCols...)

	table := string(schema.Table)
	patchTable := string(schema.PatchTable)

	return &TablePlan{
		Schema:            schema,
		SavePatch:         buildInsert(patchTable, patchCols, hook),
		ApplyPatches:      buildApplyPatches(table, patchTable, pkNames, nonKeyNames, hook),
		DeleteOldPatches:  buildDeleteOldPatches(patchTable, hook),
		GetPatchFromRange: buildGetPatchFromColumn(patchTable, allCols, hook),
		GetLastPatchInfo:  buildGetLastPatchInfo(patchTable, hook),
		AllColumns:        allCols,
	}
}

func columnNames(cols []types.ColumnData) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// listShadowTables queries sqlite_master for every table ending in
// "_patches", excluding pending_patches.
func listShadowTables(ctx context.Context, db *sql.DB) ([]ident.Table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '%_patches'`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []ident.Table
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		t := ident.Table(name)
		if t.IsPatchTable() {
			out = append(out, t)
		}
	}
	return out, errors.WithStack(rows.Err())
}

// introspect derives a TableSchema by reading column metadata for both the
// base table and its shadow table via PRAGMA table_info. Base-table columns
// missing from the shadow table are logged and excluded from replication;
// shadow columns with no base-table counterpart are ignored without a log.
func introspect(ctx context.Context, db *sql.DB, base, shadow ident.Table) (types.TableSchema, error) {
	baseCols, err := tableInfo(ctx, db, base)
	if err != nil {
		return types.TableSchema{}, err
	}
	if len(baseCols) == 0 {
		return types.TableSchema{}, errors.Errorf("base table %s for shadow %s does not exist", base, shadow)
	}

	shadowCols, err := tableInfo(ctx, db, shadow)
	if err != nil {
		return types.TableSchema{}, err
	}
	shadowSet := make(map[string]bool, len(shadowCols))
	for _, c := range shadowCols {
		shadowSet[c.Name] = true
	}

	var schema types.TableSchema
	schema.Table = base
	schema.PatchTable = shadow
	for _, c := range baseCols {
		if !shadowSet[c.Name] {
			log.WithFields(log.Fields{"table": base, "column": c.Name}).
				Warn("column missing from shadow table, excluding from replication")
			continue
		}
		if c.Primary {
			schema.PrimaryKey = append(schema.PrimaryKey, c)
		}
		schema.Columns = append(schema.Columns, c)
	}
	return schema, nil
}

func tableInfo(ctx context.Context, db *sql.DB, table ident.Table) ([]types.ColumnData, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []types.ColumnData
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, errors.WithStack(err)
		}
		if strings.HasPrefix(name, "_") {
			// Shadow-table provenance columns are not user columns.
			continue
		}
		out = append(out, types.ColumnData{Name: name, Primary: primaryKey > 0})
	}
	return out, errors.WithStack(rows.Err())
}
