// Package migrate applies versioned schema upgrades and downgrades
// atomically, triggers statement re-planning, and replays staged
// patches whose version has become current.
package migrate

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/patchstore"
	"github.com/meshlite/meshlite/internal/types"
	"github.com/meshlite/meshlite/internal/util/msort"
)

// Migration is one versioned schema step. Its position in the slice
// passed to Migrate (1-based) is its version id.
type Migration struct {
	Up   string
	Down string
}

// Result reports the version transition performed by Migrate.
type Result struct {
	CurrentVersion  int
	PreviousVersion int
}

// infraSchema creates the two tables the core owns. Everything else is
// declared by the user.
const infraSchema = `
CREATE TABLE IF NOT EXISTS migrations (
  id   INTEGER PRIMARY KEY,
  up   TEXT NOT NULL,
  down TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_patches (
  _patchedAt   INTEGER NOT NULL,
  _peerId      INTEGER NOT NULL,
  _sequenceId  INTEGER NOT NULL,
  patchVersion INTEGER NOT NULL,
  tableName    TEXT NOT NULL,
  delta        BLOB
);
CREATE INDEX IF NOT EXISTS pending_patches_patchedAt ON pending_patches (_patchedAt)
`

// Coordinator owns the schema version. The Patch Store reads it through
// Version so staged-vs-live routing always sees the current value.
type Coordinator struct {
	db      *sql.DB
	planner *catalog.Planner
	store   *patchstore.Store

	version int
}

// New returns a Coordinator at version zero; no writes are accepted by
// the engine until Migrate has run.
func New(db *sql.DB, planner *catalog.Planner) *Coordinator {
	return &Coordinator{db: db, planner: planner}
}

// SetStore attaches the Patch Store used for pending-patch replay. Set
// after construction because the store itself reads c.Version.
func (c *Coordinator) SetStore(store *patchstore.Store) {
	c.store = store
}

// Version reports the currently active schema version; zero before the
// first Migrate.
func (c *Coordinator) Version() int {
	return c.version
}

// Migrate diffs the desired migration list against what has been
// applied, executes the surplus downs in reverse order or the new ups
// in forward order inside one transaction, then re-plans statements and
// replays any staged patches that match the new version. On failure the
// whole batch rolls back and the catalog is unchanged.
func (c *Coordinator) Migrate(ctx context.Context, appMigrations []Migration) (Result, error) {
	if _, err := c.db.ExecContext(ctx, infraSchema); err != nil {
		return Result{}, errors.Wrap(err, "creating infra tables")
	}

	lastApplied, err := c.lastAppliedID(ctx)
	if err != nil {
		return Result{}, err
	}
	targetID := len(appMigrations)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, errors.WithStack(err)
	}
	defer tx.Rollback()

	switch {
	case targetID < lastApplied:
		downs, err := c.downsToRevert(ctx, tx, targetID, lastApplied)
		if err != nil {
			return Result{}, err
		}
		for _, step := range downs {
			if _, err := tx.ExecContext(ctx, step.sql); err != nil {
				return Result{}, errors.Wrapf(err, "running down migration %d", step.id)
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM migrations WHERE id = ?`, step.id); err != nil {
				return Result{}, errors.WithStack(err)
			}
		}
	case targetID > lastApplied:
		for id := lastApplied + 1; id <= targetID; id++ {
			m := appMigrations[id-1]
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return Result{}, errors.Wrapf(err, "running up migration %d", id)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (id, up, down) VALUES (?, ?, ?)`,
				id, m.Up, m.Down); err != nil {
				return Result{}, errors.WithStack(err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, errors.WithStack(err)
	}

	previous := c.version
	c.version = targetID
	if targetID == 0 {
		// An empty migration list still initializes the catalog.
		c.version = 1
	}

	if err := c.planner.Rebuild(ctx, c.db); err != nil {
		return Result{}, err
	}
	if err := c.applyPendingPatches(ctx); err != nil {
		return Result{}, err
	}

	log.WithFields(log.Fields{
		"previous": previous,
		"current":  c.version,
	}).Info("migration complete")
	return Result{CurrentVersion: c.version, PreviousVersion: previous}, nil
}

type downStep struct {
	id  int
	sql string
}

// downsToRevert reads the stored down statements above targetID, newest
// first. The stored text is used, not the caller's list: the rows
// describe the schema that actually exists.
func (c *Coordinator) downsToRevert(
	ctx context.Context, tx *sql.Tx, targetID, lastApplied int,
) ([]downStep, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, down FROM migrations WHERE id > ? AND id <= ? ORDER BY id DESC`,
		targetID, lastApplied)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []downStep
	for rows.Next() {
		var step downStep
		if err := rows.Scan(&step.id, &step.sql); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, step)
	}
	return out, errors.WithStack(rows.Err())
}

func (c *Coordinator) lastAppliedID(ctx context.Context) (int, error) {
	var id sql.NullInt64
	if err := c.db.QueryRowContext(ctx,
		`SELECT max(id) FROM migrations`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "reading last applied migration")
	}
	return int(id.Int64), nil
}

// applyPendingPatches re-ingests staged patches whose version matches
// the now-active schema through the normal save-then-apply path, then
// deletes them from the staging table. Patches for tables the new
// schema still doesn't declare stay staged.
func (c *Coordinator) applyPendingPatches(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	pending, err := c.store.PendingForVersion(ctx, c.db, c.version)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	pending = msort.UniqueByPeerSeq(pending)

	applied := make(map[ident.Table]hlc.Time)
	var replayed []types.Patch
	for _, patch := range pending {
		if err := c.store.Save(ctx, c.db, patch); err != nil {
			if errors.Is(err, patchstore.ErrUnknownTable) {
				// The new schema still doesn't declare this table; the
				// row stays staged for a later migration.
				continue
			}
			return err
		}
		if at, ok := applied[patch.Tab]; !ok || patch.At < at {
			applied[patch.Tab] = patch.At
		}
		replayed = append(replayed, patch)
	}
	for table, from := range applied {
		if err := c.store.ApplyPatches(ctx, c.db, table, from); err != nil {
			return err
		}
	}
	// Only rows that actually made it into a shadow table leave the
	// staging area.
	for _, patch := range replayed {
		if err := c.store.DeletePending(ctx, c.db, patch); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"count":   len(replayed),
		"version": c.version,
	}).Debug("replayed pending patches")
	return nil
}
