// Package session implements the read-your-writes contract: every
// successful local upsert yields a "<peerId>.<sequenceId>" token, and a
// caller presenting one can wait until the write's originating peer has
// replicated at least that far.
package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshlite/meshlite/internal/ident"
)

var rywTimeouts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "db_read_your_write_timeouts_total",
	Help: "the number of read-your-writes waits that hit their deadline",
})

// maxTokenLength bounds what the parser will even look at; anything
// longer is hostile or corrupt.
const maxTokenLength = 50

// DefaultDeadline caps the total backoff wait.
const DefaultDeadline = 5 * time.Second

// Token renders the session token for a write.
func Token(peer ident.PeerID, seq uint64) string {
	return strconv.FormatInt(int64(peer), 10) + "." + strconv.FormatUint(seq, 10)
}

// Parse decodes a session token. Malformed input — too long, not
// exactly two fields, non-numeric, zero, negative, or beyond the safe
// 53-bit range — reports ok=false, which callers treat as "no token":
// the request proceeds without waiting.
func Parse(token string) (peer ident.PeerID, seq uint64, ok bool) {
	if token == "" || len(token) > maxTokenLength {
		return 0, 0, false
	}
	head, tail, found := strings.Cut(token, ".")
	if !found {
		return 0, 0, false
	}
	p, err := strconv.ParseInt(head, 10, 64)
	if err != nil || p <= 0 || p >= 1<<53 {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(tail, 10, 64)
	if err != nil || s == 0 || s >= 1<<53 {
		return 0, 0, false
	}
	return ident.PeerID(p), s, true
}

// ErrDeadlineExceeded is returned by Wait when the write did not become
// visible in time.
var ErrDeadlineExceeded = errors.New("session: consistency deadline exceeded")

// Consistency answers whether the local replica has the originating
// peer's contiguous prefix at or past a sequence. The engine provides
// it; an unknown peer is treated as consistent (best effort).
type Consistency func(peer ident.PeerID, seq uint64) bool

// Wait polls check with exponential backoff — delays 0, base, 2*base,
// 4*base, ... — until it reports true or the deadline elapses.
func Wait(ctx context.Context, check Consistency, peer ident.PeerID, seq uint64, base time.Duration, deadline time.Duration) error {
	if base <= 0 {
		base = 10 * time.Millisecond
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	delay := time.Duration(0)
	for {
		if check(peer, seq) {
			return nil
		}
		if delay == 0 {
			delay = base
		} else {
			delay *= 2
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			rywTimeouts.Inc()
			return errors.WithStack(ErrDeadlineExceeded)
		}
	}
}
