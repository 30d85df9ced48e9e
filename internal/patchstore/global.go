package patchstore

import (
	"context"
	"database/sql"
	"sort"

	"github.com/pkg/errors"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// ListMissing runs the compiled cross-table gap scan: every sequence
// hole across pending_patches and all shadow tables, ordered by
// (_peerId, _sequenceId).
func (s *Store) ListMissing(ctx context.Context, q types.Querier, from hlc.Time) ([]types.MissingRange, error) {
	plan := s.planner.Global()
	args := make([]any, plan.ListMissingArgCount)
	for i := range args {
		args[i] = int64(from)
	}

	rows, err := q.QueryContext(ctx, plan.ListMissingSequenceIds, args...)
	if err != nil {
		return nil, errors.Wrap(err, "scanning for missing sequence ids")
	}
	defer rows.Close()

	var out []types.MissingRange
	for rows.Next() {
		var (
			peer, at      int64
			seq, nMissing uint64
		)
		if err := rows.Scan(&peer, &seq, &nMissing, &at); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, types.MissingRange{
			Peer:       ident.PeerID(peer),
			SequenceID: seq,
			NMissing:   nMissing,
			PatchedAt:  hlc.Time(at),
		})
	}
	return out, errors.WithStack(rows.Err())
}

// GetLastPatchInfoAll restores a peer's high-water mark across every
// shadow table and pending_patches, used at startup and after a migrate
// to continue the local sequence where it left off.
func (s *Store) GetLastPatchInfoAll(ctx context.Context, q types.Querier, peer ident.PeerID, from hlc.Time) (hlc.Time, uint64, error) {
	plan := s.planner.Global()
	args := make([]any, 0, 2*plan.LastPatchInfoArgCount)
	for i := 0; i < plan.LastPatchInfoArgCount; i++ {
		args = append(args, int64(peer), int64(from))
	}

	var at, seq sql.NullInt64
	row := q.QueryRowContext(ctx, plan.GetLastPatchInfo, args...)
	if err := row.Scan(&at, &seq); err != nil {
		return hlc.Zero, 0, errors.Wrap(err, "reading global last patch info")
	}
	if !at.Valid {
		return hlc.Zero, 0, nil
	}
	return hlc.Time(at.Int64), uint64(seq.Int64), nil
}

// GetRangeAll collects the patches a peer produced in [minSeq, maxSeq]
// from whichever store holds them, merged in ascending sequence order.
// Missing entries are simply absent from the result.
func (s *Store) GetRangeAll(ctx context.Context, q types.Querier, peer ident.PeerID, minSeq, maxSeq uint64) ([]types.Patch, error) {
	var out []types.Patch
	for _, table := range s.planner.Tables() {
		got, err := s.GetRange(ctx, q, table, peer, minSeq, maxSeq)
		if err != nil {
			return nil, err
		}
		for i := range got {
			got[i].Ver = s.version()
		}
		out = append(out, got...)
	}

	pending, err := s.PendingRange(ctx, q, peer, minSeq, maxSeq)
	if err != nil {
		return nil, err
	}
	out = append(out, pending...)

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
