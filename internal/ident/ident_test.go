package ident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/hlc"
)

func TestNewTableValidation(t *testing.T) {
	for _, good := range []string{"testA", "_private", "a1_b2"} {
		_, err := NewTable(good)
		assert.NoError(t, err, good)
	}
	for _, bad := range []string{"", "1abc", "a-b", "a b", "a;drop"} {
		_, err := NewTable(bad)
		assert.Error(t, err, bad)
	}
}

func TestPatchTableRoundTrip(t *testing.T) {
	table := Table("testA")
	shadow := table.PatchTable()
	assert.Equal(t, Table("testA_patches"), shadow)
	assert.True(t, shadow.IsPatchTable())
	assert.Equal(t, table, shadow.BaseTable())
}

func TestPendingPatchesIsNotAShadowTable(t *testing.T) {
	assert.False(t, Table(PendingPatchesTable).IsPatchTable())
	assert.False(t, Table("_patches").IsPatchTable(), "an empty base name is not a shadow table")
}

func TestNewPeerIDFitsIn53Bits(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewPeerID()
		require.Positive(t, int64(id))
		require.Less(t, int64(id), int64(1)<<53)
	}
}

func TestNewPeerIDEmbedsWallClock(t *testing.T) {
	id := NewPeerID()
	// The high bits carry milliseconds since the HLC epoch.
	nowMillis := time.Now().UnixMilli() - hlc.EpochMillis
	assert.InDelta(t, float64(nowMillis), float64(hlc.Time(id).Timestamp()), 10_000)
}
