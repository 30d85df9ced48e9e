// Package patchstore persists immutable patches into per-table shadow
// `<T>_patches` tables, or into the schema-version staging table
// pending_patches when a patch's Ver does not match the currently
// active schema version.
package patchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// Store persists and retrieves patches through a catalog.Planner's
// compiled statements.
type Store struct {
	planner *catalog.Planner
	version func() int
}

// New returns a Store. version reports the currently active schema
// version; it's a func rather than an int so the Migration Coordinator's
// updates are always seen without requiring a Store rebuild.
func New(planner *catalog.Planner, version func() int) *Store {
	return &Store{planner: planner, version: version}
}

// ErrUnknownTable is returned when a patch names a table the planner has
// no compiled plan for.
var ErrUnknownTable = errors.New("patchstore: unknown table")

// Save persists one patch. If patch.Ver doesn't match the active schema
// version, or the patch carries the reserved peer-stat payload, it is
// staged to pending_patches instead of applied to a shadow table.
func (s *Store) Save(ctx context.Context, q types.Querier, patch types.Patch) error {
	start := time.Now()
	table := string(patch.Tab)
	defer func() {
		storeDurations.WithLabelValues(table).Observe(time.Since(start).Seconds())
	}()

	if patch.Ver != s.version() || patch.IsPeerStatPayload() {
		if err := s.savePending(ctx, q, patch); err != nil {
			storeErrors.WithLabelValues(table).Inc()
			return err
		}
		pendingCount.WithLabelValues(table).Inc()
		return nil
	}

	plan, ok := s.planner.Plan(patch.Tab)
	if !ok {
		storeErrors.WithLabelValues(table).Inc()
		return errors.Wrapf(ErrUnknownTable, "table %s", patch.Tab)
	}

	args := make([]any, 0, 3+len(plan.AllColumns))
	args = append(args, int64(patch.At), int64(patch.Peer), patch.Seq)
	for _, col := range plan.AllColumns {
		args = append(args, patch.Delta[col])
	}

	if _, err := q.ExecContext(ctx, plan.SavePatch, args...); err != nil {
		storeErrors.WithLabelValues(table).Inc()
		return errors.Wrapf(err, "saving patch for %s", patch.Tab)
	}
	storeCount.WithLabelValues(table).Inc()
	return nil
}

func (s *Store) savePending(ctx context.Context, q types.Querier, patch types.Patch) error {
	delta, err := json.Marshal(patch.Delta)
	if err != nil {
		return errors.Wrap(err, "marshaling pending patch delta")
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO `+ident.PendingPatchesTable+
			` (_patchedAt, _peerId, _sequenceId, patchVersion, tableName, delta) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(patch.At), int64(patch.Peer), patch.Seq, patch.Ver, string(patch.Tab), delta)
	if err != nil {
		return errors.Wrap(err, "staging pending patch")
	}
	log.WithFields(log.Fields{"table": patch.Tab, "ver": patch.Ver}).
		Debug("patch staged to pending_patches")
	return nil
}

// PendingForVersion returns every staged user-table patch whose
// patchVersion matches version, ordered by (_peerId, _sequenceId). The
// Migration Coordinator replays these through the normal ingestion path
// after a successful migrate.
func (s *Store) PendingForVersion(ctx context.Context, q types.Querier, version int) ([]types.Patch, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT _patchedAt, _peerId, _sequenceId, patchVersion, tableName, delta FROM `+
			ident.PendingPatchesTable+
			` WHERE patchVersion = ? AND tableName != ? ORDER BY _peerId, _sequenceId`,
		version, ident.ReservedTable)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanPending(rows)
}

// PendingRange returns staged patches a peer produced in [minSeq,
// maxSeq], so a MISSING_PATCH response can serve rows this node has not
// yet been able to apply itself.
func (s *Store) PendingRange(ctx context.Context, q types.Querier, peer ident.PeerID, minSeq, maxSeq uint64) ([]types.Patch, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT _patchedAt, _peerId, _sequenceId, patchVersion, tableName, delta FROM `+
			ident.PendingPatchesTable+
			` WHERE _peerId = ? AND _sequenceId BETWEEN ? AND ? ORDER BY _sequenceId`,
		int64(peer), minSeq, maxSeq)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanPending(rows)
}

func scanPending(rows *sql.Rows) ([]types.Patch, error) {
	var out []types.Patch
	for rows.Next() {
		var (
			at, peer int64
			seq      uint64
			ver      int
			tab      string
			delta    []byte
		)
		if err := rows.Scan(&at, &peer, &seq, &ver, &tab, &delta); err != nil {
			return nil, errors.WithStack(err)
		}
		patch := types.Patch{
			Type: types.MessagePatch,
			At:   hlc.Time(at),
			Peer: ident.PeerID(peer),
			Seq:  seq,
			Ver:  ver,
			Tab:  ident.Table(tab),
		}
		if err := json.Unmarshal(delta, &patch.Delta); err != nil {
			return nil, errors.Wrap(err, "unmarshaling pending patch delta")
		}
		out = append(out, patch)
	}
	return out, errors.WithStack(rows.Err())
}

// LatestPeerStatSnapshot returns the newest persistent ping this peer
// stored, used to restore the peer-stat map after a restart. ok is
// false when no snapshot exists.
func (s *Store) LatestPeerStatSnapshot(ctx context.Context, q types.Querier, self ident.PeerID) (types.Delta, bool, error) {
	var delta []byte
	err := q.QueryRowContext(ctx,
		`SELECT delta FROM `+ident.PendingPatchesTable+
			` WHERE _peerId = ? AND tableName = ? ORDER BY _sequenceId DESC LIMIT 1`,
		int64(self), ident.ReservedTable).Scan(&delta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading peer-stat snapshot")
	}
	var out types.Delta
	if err := json.Unmarshal(delta, &out); err != nil {
		return nil, false, errors.Wrap(err, "unmarshaling peer-stat snapshot")
	}
	return out, true, nil
}

// DeletePending removes one staged patch once the Migration Coordinator
// has replayed it into its shadow table.
func (s *Store) DeletePending(ctx context.Context, q types.Querier, patch types.Patch) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM `+ident.PendingPatchesTable+
			` WHERE _peerId = ? AND _sequenceId = ? AND patchVersion = ? AND tableName = ?`,
		int64(patch.Peer), patch.Seq, patch.Ver, string(patch.Tab))
	return errors.Wrap(err, "deleting re-ingested pending patch")
}

// DeletePendingOlderThan runs the retention sweep over pending_patches.
func (s *Store) DeletePendingOlderThan(ctx context.Context, q types.Querier, cutoff hlc.Time) error {
	res, err := q.ExecContext(ctx,
		`DELETE FROM `+ident.PendingPatchesTable+` WHERE _patchedAt < ?`, int64(cutoff))
	if err != nil {
		retireErrors.WithLabelValues(ident.PendingPatchesTable).Inc()
		return errors.Wrap(err, "retiring pending patches")
	}
	if n, err := res.RowsAffected(); err == nil {
		retireCount.WithLabelValues(ident.PendingPatchesTable).Add(float64(n))
	}
	return nil
}

// ApplyPatches folds every patch with _patchedAt >= from into the
// materialized table.
func (s *Store) ApplyPatches(ctx context.Context, q types.Querier, table ident.Table, from hlc.Time) error {
	plan, ok := s.planner.Plan(table)
	if !ok {
		return errors.Wrapf(ErrUnknownTable, "table %s", table)
	}
	if _, err := q.ExecContext(ctx, plan.ApplyPatches, int64(from)); err != nil {
		return errors.Wrapf(err, "applying patches for %s", table)
	}
	return nil
}

// DeleteOlderThan runs the retention sweep for one table, deleting shadow
// rows older than cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, q types.Querier, table ident.Table, cutoff hlc.Time) error {
	start := time.Now()
	name := string(table)
	defer func() {
		retireDurations.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	plan, ok := s.planner.Plan(table)
	if !ok {
		retireErrors.WithLabelValues(name).Inc()
		return errors.Wrapf(ErrUnknownTable, "table %s", table)
	}

	res, err := q.ExecContext(ctx, plan.DeleteOldPatches, int64(cutoff))
	if err != nil {
		retireErrors.WithLabelValues(name).Inc()
		return errors.Wrapf(err, "retiring patches for %s", table)
	}
	if n, err := res.RowsAffected(); err == nil {
		retireCount.WithLabelValues(name).Add(float64(n))
	}
	return nil
}

// GetRange retrieves the patches a peer produced in [minSeq, maxSeq],
// serving a MISSING_PATCH response.
func (s *Store) GetRange(ctx context.Context, q types.Querier, table ident.Table, peer ident.PeerID, minSeq, maxSeq uint64) ([]types.Patch, error) {
	start := time.Now()
	name := string(table)
	defer func() {
		selectDurations.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	plan, ok := s.planner.Plan(table)
	if !ok {
		selectErrors.WithLabelValues(name).Inc()
		return nil, errors.Wrapf(ErrUnknownTable, "table %s", table)
	}

	rows, err := q.QueryContext(ctx, plan.GetPatchFromRange, int64(peer), minSeq, maxSeq)
	if err != nil {
		selectErrors.WithLabelValues(name).Inc()
		return nil, errors.Wrapf(err, "selecting patches for %s", table)
	}
	defer rows.Close()

	var out []types.Patch
	for rows.Next() {
		scanned := make([]any, 3+len(plan.AllColumns))
		var at, scannedPeer int64
		var seq uint64
		scanned[0], scanned[1], scanned[2] = &at, &scannedPeer, &seq
		values := make([]any, len(plan.AllColumns))
		for i := range values {
			scanned[3+i] = &values[i]
		}
		if err := rows.Scan(scanned...); err != nil {
			selectErrors.WithLabelValues(name).Inc()
			return nil, errors.WithStack(err)
		}

		delta := make(types.Delta, len(plan.AllColumns))
		for i, col := range plan.AllColumns {
			delta[col] = values[i]
		}
		out = append(out, types.Patch{
			Type:  types.MessagePatch,
			At:    hlc.Time(at),
			Peer:  ident.PeerID(scannedPeer),
			Seq:   seq,
			Tab:   table,
			Delta: delta,
		})
	}
	if err := rows.Err(); err != nil {
		selectErrors.WithLabelValues(name).Inc()
		return nil, errors.WithStack(err)
	}
	selectCount.WithLabelValues(name).Add(float64(len(out)))
	return out, nil
}

// GetLastPatchInfo restores this peer's own high-water mark after a
// restart: the highest (_patchedAt, _sequenceId) it produced for table at
// or after from.
func (s *Store) GetLastPatchInfo(ctx context.Context, q types.Querier, table ident.Table, peer ident.PeerID, from hlc.Time) (hlc.Time, uint64, error) {
	plan, ok := s.planner.Plan(table)
	if !ok {
		return hlc.Zero, 0, errors.Wrapf(ErrUnknownTable, "table %s", table)
	}

	var at sql.NullInt64
	var seq sql.NullInt64
	row := q.QueryRowContext(ctx, plan.GetLastPatchInfo, int64(peer), int64(from))
	if err := row.Scan(&at, &seq); err != nil {
		return hlc.Zero, 0, errors.Wrapf(err, "reading last patch info for %s", table)
	}
	if !at.Valid {
		return hlc.Zero, 0, nil
	}
	return hlc.Time(at.Int64), uint64(seq.Int64), nil
}
