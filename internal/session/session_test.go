package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/ident"
)

func TestTokenRoundTrip(t *testing.T) {
	token := Token(ident.PeerID(1800), 5)
	assert.Equal(t, "1800.5", token)

	peer, seq, ok := Parse(token)
	require.True(t, ok)
	assert.Equal(t, ident.PeerID(1800), peer)
	assert.Equal(t, uint64(5), seq)
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, bad := range []string{
		"",
		"1800",
		"1800.",
		".5",
		"1800.5.2",
		"abc.def",
		"-1.5",
		"1800.-5",
		"0.1",
		"1800.0",
		"9007199254740993.1", // past the 53-bit range
		strings.Repeat("1", 60) + ".1",
		"1800. 5",
	} {
		_, _, ok := Parse(bad)
		assert.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestWaitReturnsImmediatelyWhenConsistent(t *testing.T) {
	err := Wait(context.Background(),
		func(ident.PeerID, uint64) bool { return true },
		1800, 5, time.Millisecond, time.Second)
	require.NoError(t, err)
}

func TestWaitBacksOffUntilConsistent(t *testing.T) {
	calls := 0
	err := Wait(context.Background(),
		func(ident.PeerID, uint64) bool {
			calls++
			return calls >= 3
		},
		1800, 5, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitTimesOut(t *testing.T) {
	start := time.Now()
	err := Wait(context.Background(),
		func(ident.PeerID, uint64) bool { return false },
		1800, 5, time.Millisecond, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
