package transport

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// Socket is the transport-agnostic handle for one remote peer. The
// core only ever sends envelopes and listens for inbound ones; whether
// the bytes ride a WebSocket, TCP stream, or an in-process pipe is the
// embedding application's business.
type Socket interface {
	// Send delivers one envelope to the remote end.
	Send(ctx context.Context, msg *Envelope) error
	// Subscribe registers a listener for inbound envelopes, returning a
	// cancel function that detaches it.
	Subscribe(fn func(*Envelope)) (cancel func())
	// Close releases the underlying transport.
	Close() error
}

// Handler receives dispatched inbound messages.
type Handler interface {
	OnPatch(ctx context.Context, patch types.Patch)
	OnPing(ctx context.Context, ping types.Patch)
	OnMissingPatch(ctx context.Context, req types.MissingPatchRequest)
}

type registration struct {
	socket Socket
	cancel func() // detaches the Subscribe listener
}

// Mux is the transport multiplexer: a peer-to-socket registry plus
// type-based dispatch of inbound traffic into a Handler.
type Mux struct {
	mu struct {
		sync.Mutex
		handler Handler
		sockets map[ident.PeerID]*registration
	}
}

// NewMux returns an empty Mux. Call Start before registering peers.
func NewMux() *Mux {
	m := &Mux{}
	m.mu.sockets = make(map[ident.PeerID]*registration)
	return m
}

// Start attaches the dispatch target. Separate from NewMux because the
// engine both owns the Mux and implements Handler.
func (m *Mux) Start(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.handler = handler
}

// AddRemotePeer registers a send-capable socket for a peer and
// subscribes to its messages. Any prior socket for the peer is
// replaced, its listener detached.
func (m *Mux) AddRemotePeer(peer ident.PeerID, socket Socket) {
	m.mu.Lock()
	if prior, ok := m.mu.sockets[peer]; ok {
		prior.cancel()
	}
	reg := &registration{socket: socket}
	reg.cancel = socket.Subscribe(func(env *Envelope) {
		m.dispatch(env)
	})
	m.mu.sockets[peer] = reg
	m.mu.Unlock()

	log.WithField("peer", peer).Debug("remote peer registered")
}

// PauseRemotePeer detaches the listener and drops the socket without
// closing it; peer stats are untouched.
func (m *Mux) PauseRemotePeer(peer ident.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.mu.sockets[peer]; ok {
		reg.cancel()
		delete(m.mu.sockets, peer)
	}
}

// CloseRemotePeer drops the socket and closes it.
func (m *Mux) CloseRemotePeer(peer ident.PeerID) {
	m.mu.Lock()
	reg, ok := m.mu.sockets[peer]
	if ok {
		reg.cancel()
		delete(m.mu.sockets, peer)
	}
	m.mu.Unlock()
	if ok {
		if err := reg.socket.Close(); err != nil {
			log.WithError(err).WithField("peer", peer).Warn("could not close socket")
		}
	}
}

// SendTo delivers an envelope to one peer. Returns false when no socket
// is registered for the peer; the caller skips this round and the next
// sweep retries.
func (m *Mux) SendTo(ctx context.Context, peer ident.PeerID, env *Envelope) bool {
	m.mu.Lock()
	reg, ok := m.mu.sockets[peer]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := reg.socket.Send(ctx, env); err != nil {
		log.WithError(err).WithField("peer", peer).Warn("could not send message")
		sendErrors.Inc()
		return false
	}
	messagesTotal.WithLabelValues("sent").Inc()
	return true
}

// Broadcast delivers an envelope to every registered socket.
func (m *Mux) Broadcast(ctx context.Context, env *Envelope) {
	m.mu.Lock()
	peers := make([]ident.PeerID, 0, len(m.mu.sockets))
	for peer := range m.mu.sockets {
		peers = append(peers, peer)
	}
	m.mu.Unlock()

	for _, peer := range peers {
		m.SendTo(ctx, peer, env)
	}
}

// ConnectedPeers reports the number of registered sockets, for the
// db_replication_connected_peers gauge.
func (m *Mux) ConnectedPeers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.sockets)
}

func (m *Mux) dispatch(env *Envelope) {
	m.mu.Lock()
	handler := m.mu.handler
	m.mu.Unlock()
	if handler == nil {
		log.Warn("message received before mux start, dropped")
		return
	}
	messagesTotal.WithLabelValues("received").Inc()

	ctx := context.Background()
	switch types.MessageType(env.Type) {
	case types.MessagePatch:
		handler.OnPatch(ctx, env.Patch())
	case types.MessagePing:
		handler.OnPing(ctx, env.Patch())
	case types.MessageMissingPatch:
		handler.OnMissingPatch(ctx, env.Missing())
	default:
		log.WithField("type", env.Type).Debug("unknown message type dropped")
	}
}
