package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

type recordingHandler struct {
	mu      sync.Mutex
	patches []types.Patch
	pings   []types.Patch
	missing []types.MissingPatchRequest
}

func (h *recordingHandler) OnPatch(_ context.Context, p types.Patch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patches = append(h.patches, p)
}

func (h *recordingHandler) OnPing(_ context.Context, p types.Patch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings = append(h.pings, p)
}

func (h *recordingHandler) OnMissingPatch(_ context.Context, r types.MissingPatchRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missing = append(h.missing, r)
}

func testPatch(peer int64, seq uint64) types.Patch {
	return types.Patch{
		Type: types.MessagePatch,
		At:   hlc.From(100, 0),
		Peer: ident.PeerID(peer),
		Seq:  seq,
		Ver:  1,
		Tab:  "widgets",
		Delta: types.Delta{
			"id": float64(1), "name": "x",
		},
	}
}

func TestDispatchByMessageType(t *testing.T) {
	handler := &recordingHandler{}
	mux := NewMux()
	mux.Start(handler)

	local, remote := NewPipe(false)
	mux.AddRemotePeer(100, local)

	ctx := context.Background()
	require.NoError(t, remote.Send(ctx, FromPatch(testPatch(100, 1))))
	require.NoError(t, remote.Send(ctx, FromPatch(types.Patch{
		Type: types.MessagePing, Peer: 100, Seq: 1, Tab: ident.ReservedTable,
	})))
	require.NoError(t, remote.Send(ctx, FromMissing(types.MissingPatchRequest{
		Peer: 2, MinSeq: 3, MaxSeq: 5, ForPeer: 100,
	})))
	require.NoError(t, remote.Send(ctx, &Envelope{Type: 99, Peer: 100}))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.patches, 1)
	require.Len(t, handler.pings, 1)
	require.Len(t, handler.missing, 1)
	require.Equal(t, uint64(3), handler.missing[0].MinSeq)
}

func TestAddRemotePeerReplacesPriorSocket(t *testing.T) {
	handler := &recordingHandler{}
	mux := NewMux()
	mux.Start(handler)

	localA, remoteA := NewPipe(false)
	localB, remoteB := NewPipe(false)
	mux.AddRemotePeer(100, localA)
	mux.AddRemotePeer(100, localB)

	ctx := context.Background()
	// The detached listener must not dispatch.
	require.NoError(t, remoteA.Send(ctx, FromPatch(testPatch(100, 1))))
	require.NoError(t, remoteB.Send(ctx, FromPatch(testPatch(100, 2))))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.patches, 1)
	require.Equal(t, uint64(2), handler.patches[0].Seq)
}

func TestPauseDetachesListenerAndSendToFails(t *testing.T) {
	handler := &recordingHandler{}
	mux := NewMux()
	mux.Start(handler)

	local, remote := NewPipe(false)
	mux.AddRemotePeer(100, local)
	mux.PauseRemotePeer(100)

	ctx := context.Background()
	require.NoError(t, remote.Send(ctx, FromPatch(testPatch(100, 1))))
	require.False(t, mux.SendTo(ctx, 100, FromPatch(testPatch(1, 1))))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Empty(t, handler.patches)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	mux := NewMux()
	mux.Start(&recordingHandler{})

	var received sync.Map
	for _, peer := range []ident.PeerID{100, 101, 102} {
		local, remote := NewPipe(false)
		peer := peer
		remote.Subscribe(func(env *Envelope) {
			received.Store(peer, env)
		})
		mux.AddRemotePeer(peer, local)
	}

	mux.Broadcast(context.Background(), FromPatch(testPatch(1800, 1)))

	count := 0
	received.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 3, count)
	require.Equal(t, 3, mux.ConnectedPeers())
}

func TestStringModePipeRoundTripsThroughJSON(t *testing.T) {
	handler := &recordingHandler{}
	mux := NewMux()
	mux.Start(handler)

	local, remote := NewPipe(true)
	mux.AddRemotePeer(100, local)

	require.NoError(t, remote.Send(context.Background(), FromPatch(testPatch(100, 1))))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.patches, 1)
	require.Equal(t, "x", handler.patches[0].Delta["name"])
	require.Equal(t, float64(1), handler.patches[0].Delta["id"])
}

func TestEnvelopeRoundTrip(t *testing.T) {
	patch := testPatch(100, 7)
	encoded, err := FromPatch(patch).Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got := decoded.Patch()
	require.Equal(t, patch.At, got.At)
	require.Equal(t, patch.Peer, got.Peer)
	require.Equal(t, patch.Seq, got.Seq)
	require.Equal(t, patch.Tab, got.Tab)
}
