// Package replica ties the replication core together: one Engine owns
// the database handle, the clock, the patch pipeline, and the transport
// registry for a single peer.
package replica

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/meshlite/meshlite/internal/catalog"
	"github.com/meshlite/meshlite/internal/ident"
)

// Config contains the user-visible configuration for running a
// replicated peer.
type Config struct {
	// DBPath locates the SQLite file this peer owns exclusively.
	DBPath string
	// PeerID identifies this peer; zero generates a probabilistically
	// unique one.
	PeerID int64

	// SocketStringMode JSON-encodes messages on the wire instead of
	// delivering structured records.
	SocketStringMode bool
	// HeartbeatInterval drives pings and the missing-patch scan; zero
	// disables the timer.
	HeartbeatInterval time.Duration
	// PatchApplyDelay is the debounce window for remote patches.
	PatchApplyDelay time.Duration
	// MaxPatchRetention bounds how long shadow and pending rows are kept.
	MaxPatchRetention time.Duration
	// MaxRequestForMissingPatches caps MISSING_PATCH requests per sweep;
	// zero is unbounded.
	MaxRequestForMissingPatches int
	// ReadYourWritesDeadline caps the session-token backoff wait.
	ReadYourWritesDeadline time.Duration

	// PrepareStatementHook overrides placeholder syntax per (table,
	// column); nil yields a single "?" per column.
	PrepareStatementHook catalog.PlaceholderHook

	// OnSynced fires exactly once per remote peer when its contiguous
	// prefix first catches up to the highest sequence seen. Optional.
	OnSynced func(ident.PeerID)
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(
		&c.DBPath,
		"dbPath",
		"meshlite.db",
		"the SQLite database file to replicate")
	flags.Int64Var(
		&c.PeerID,
		"peerId",
		0,
		"this peer's identifier; 0 generates one")
	flags.BoolVar(
		&c.SocketStringMode,
		"socketStringMode",
		false,
		"JSON-encode messages on the wire instead of sending structured records")
	flags.DurationVar(
		&c.HeartbeatInterval,
		"heartbeatInterval",
		30*time.Second,
		"interval between heartbeat pings; 0 disables the timer")
	flags.DurationVar(
		&c.PatchApplyDelay,
		"patchApplyDelay",
		10*time.Millisecond,
		"debounce window before remote patches are merged")
	flags.DurationVar(
		&c.MaxPatchRetention,
		"maxPatchRetention",
		25*time.Hour,
		"how long to retain patch history")
	flags.IntVar(
		&c.MaxRequestForMissingPatches,
		"maxRequestForMissingPatches",
		0,
		"upper bound on retransmission requests per sweep; 0 is unbounded")
	flags.DurationVar(
		&c.ReadYourWritesDeadline,
		"readYourWritesDeadline",
		5*time.Second,
		"how long a read may wait for its session token to become consistent")
}

// Preflight validates the configuration and applies defaults.
func (c *Config) Preflight() error {
	if c.DBPath == "" {
		return errors.New("dbPath unset")
	}
	if c.PeerID < 0 || c.PeerID >= 1<<53 {
		return errors.New("peerId must fit in 53 bits")
	}
	if c.PatchApplyDelay < 0 {
		return errors.New("patchApplyDelay must not be negative")
	}
	if c.PatchApplyDelay == 0 {
		c.PatchApplyDelay = 10 * time.Millisecond
	}
	if c.MaxPatchRetention <= 0 {
		c.MaxPatchRetention = 25 * time.Hour
	}
	if c.ReadYourWritesDeadline <= 0 {
		c.ReadYourWritesDeadline = 5 * time.Second
	}
	return nil
}
