package transport

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// ErrChaos is the error injected by the WithChaos wrapper.
var ErrChaos = errors.New("chaos")

// WithChaos returns a wrapper around a Socket that drops or fails
// traffic with the given probability, for exercising gap detection and
// retransmission under lossy transports. The socket is returned
// unwrapped if prob is less than or equal to zero.
func WithChaos(delegate Socket, prob float32) Socket {
	if prob <= 0 {
		return delegate
	}
	return &chaosSocket{delegate: delegate, prob: prob}
}

// This could include a *rand.Rand, but as soon as sends happen from
// multiple goroutines there is no hope of repeatable behavior.
type chaosSocket struct {
	delegate Socket
	prob     float32
}

var _ Socket = (*chaosSocket)(nil)

func (s *chaosSocket) Send(ctx context.Context, msg *Envelope) error {
	if rand.Float32() < s.prob {
		return doChaos("Send")
	}
	if rand.Float32() < s.prob {
		// Silent drop: the message vanishes without a send error, the
		// case gap detection exists for.
		return nil
	}
	return s.delegate.Send(ctx, msg)
}

func (s *chaosSocket) Subscribe(fn func(*Envelope)) func() {
	return s.delegate.Subscribe(func(env *Envelope) {
		if rand.Float32() < s.prob {
			return
		}
		fn(env)
	})
}

func (s *chaosSocket) Close() error {
	if rand.Float32() < s.prob {
		return doChaos("Close")
	}
	return s.delegate.Close()
}

// doChaos is a convenient place to set a breakpoint.
func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}
