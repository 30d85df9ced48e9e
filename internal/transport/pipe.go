package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// pipeSocket is an in-process Socket: Send delivers synchronously to
// the listeners of the other end. Used by tests and by co-located peers
// sharing one process.
type pipeSocket struct {
	stringMode bool

	mu struct {
		sync.Mutex
		peer   *pipeSocket
		subs   map[int]func(*Envelope)
		nextID int
		closed bool
	}
}

// NewPipe returns a connected pair of in-process sockets. When
// stringMode is set, envelopes are round-tripped through their JSON
// encoding, matching what a real byte transport would deliver.
func NewPipe(stringMode bool) (Socket, Socket) {
	a := &pipeSocket{stringMode: stringMode}
	b := &pipeSocket{stringMode: stringMode}
	a.mu.subs = make(map[int]func(*Envelope))
	b.mu.subs = make(map[int]func(*Envelope))
	a.mu.peer = b
	b.mu.peer = a
	return a, b
}

// ErrClosedPipe is returned by Send after Close.
var ErrClosedPipe = errors.New("send on closed pipe")

func (s *pipeSocket) Send(_ context.Context, msg *Envelope) error {
	s.mu.Lock()
	peer, closed := s.mu.peer, s.mu.closed
	s.mu.Unlock()
	if closed || peer == nil {
		return errors.WithStack(ErrClosedPipe)
	}

	if s.stringMode {
		encoded, err := msg.Encode()
		if err != nil {
			return err
		}
		if msg, err = Decode(encoded); err != nil {
			return err
		}
	}

	peer.deliver(msg)
	return nil
}

func (s *pipeSocket) deliver(msg *Envelope) {
	s.mu.Lock()
	subs := make([]func(*Envelope), 0, len(s.mu.subs))
	for _, fn := range s.mu.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(msg)
	}
}

func (s *pipeSocket) Subscribe(fn func(*Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.mu.nextID
	s.mu.nextID++
	s.mu.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.mu.subs, id)
	}
}

func (s *pipeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.closed = true
	return nil
}
