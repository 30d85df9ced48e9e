// Package backup mirrors materialized tables out of the mesh into an
// external SQL database each time MirrorTables is called; nothing in the
// replication core schedules it. It is strictly
// additive: the exporter reads the local replica and never touches the
// replication write path.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/google/uuid"
	_ "github.com/lib/pq" // register driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/ident"
)

// Placeholder renders the i-th (1-based) bind parameter for the target
// database's dialect.
type Placeholder func(i int) string

func postgresPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

func mysqlPlaceholder(int) string { return "?" }

// Exporter copies whole materialized tables from the local replica to
// an external destination.
type Exporter struct {
	source      *sql.DB
	target      *sql.DB
	placeholder Placeholder
	product     string
}

// OpenPostgres connects an Exporter to a PostgreSQL destination.
func OpenPostgres(source *sql.DB, dsn string) (*Exporter, func(), error) {
	return open(source, "postgres", dsn, postgresPlaceholder)
}

// OpenMySQL connects an Exporter to a MySQL destination.
func OpenMySQL(source *sql.DB, dsn string) (*Exporter, func(), error) {
	return open(source, "mysql", dsn, mysqlPlaceholder)
}

func open(source *sql.DB, product, dsn string, placeholder Placeholder) (*Exporter, func(), error) {
	target, err := sql.Open(product, dsn)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s backup destination", product)
	}
	ret := &Exporter{
		source:      source,
		target:      target,
		placeholder: placeholder,
		product:     product,
	}
	return ret, func() {
		if err := target.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warn("could not close backup connection")
		}
	}, nil
}

// MirrorTables replaces the destination copy of every planned table
// with the current materialized contents, one transaction per table.
// Destination tables must already exist with a compatible shape.
func (e *Exporter) MirrorTables(ctx context.Context, planner *catalog.Planner) error {
	runID := uuid.New()
	start := time.Now()

	for _, table := range planner.Tables() {
		plan, ok := planner.Plan(table)
		if !ok {
			continue
		}
		if err := e.mirrorTable(ctx, table, plan.AllColumns); err != nil {
			return errors.Wrapf(err, "mirroring %s", table)
		}
	}

	log.WithFields(log.Fields{
		"run":      runID,
		"product":  e.product,
		"duration": time.Since(start),
	}).Info("backup run complete")
	return nil
}

func (e *Exporter) mirrorTable(ctx context.Context, table ident.Table, columns []string) error {
	rows, err := e.source.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), table))
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()

	tx, err := e.target.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return errors.WithStack(err)
	}

	insert := buildInsert(string(table), columns, e.placeholder)
	values := make([]any, len(columns))
	scan := make([]any, len(columns))
	for i := range values {
		scan[i] = &values[i]
	}
	count := 0
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.ExecContext(ctx, insert, values...); err != nil {
			return errors.WithStack(err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}
	if err := tx.Commit(); err != nil {
		return errors.WithStack(err)
	}

	log.WithFields(log.Fields{"table": table, "rows": count}).Debug("mirrored table")
	return nil
}

// buildInsert assembles the destination INSERT with dialect-appropriate
// placeholders.
func buildInsert(table string, columns []string, placeholder Placeholder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (", table)
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder(i + 1))
	}
	b.WriteString(")")
	return b.String()
}
