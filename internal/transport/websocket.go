package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// webSocket adapts a gorilla websocket connection to the Socket
// interface. The read pump starts on construction and fans inbound
// envelopes out to subscribers; writes are serialized by a mutex since
// gorilla connections allow only one concurrent writer.
type webSocket struct {
	conn       *websocket.Conn
	stringMode bool

	writeMu sync.Mutex

	mu struct {
		sync.Mutex
		subs   map[int]func(*Envelope)
		nextID int
	}

	closeOnce sync.Once
}

// NewWebSocket wraps an established websocket connection. In
// stringMode the JSON envelope travels as a text message; otherwise as
// a binary message. Both ends must agree.
func NewWebSocket(conn *websocket.Conn, stringMode bool) Socket {
	s := &webSocket{conn: conn, stringMode: stringMode}
	s.mu.subs = make(map[int]func(*Envelope))
	go s.readPump()
	return s
}

// DialWebSocket connects to a remote peer's websocket endpoint.
func DialWebSocket(ctx context.Context, url string, stringMode bool) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", url)
	}
	return NewWebSocket(conn, stringMode), nil
}

func (s *webSocket) readPump() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("websocket read loop ended")
			}
			return
		}
		env, err := Decode(data)
		if err != nil {
			log.WithError(err).Warn("malformed message dropped")
			continue
		}

		s.mu.Lock()
		subs := make([]func(*Envelope), 0, len(s.mu.subs))
		for _, fn := range s.mu.subs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		for _, fn := range subs {
			fn(env)
		}
	}
}

func (s *webSocket) Send(_ context.Context, msg *Envelope) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	kind := websocket.BinaryMessage
	if s.stringMode {
		kind = websocket.TextMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errors.WithStack(s.conn.WriteMessage(kind, data))
}

func (s *webSocket) Subscribe(fn func(*Envelope)) func() {
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

func (s *webSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return errors.WithStack(err)
}
