// Package transport provides Peer implementations: an in-memory pipe for
// tests and local simulation, and a WebSocket transport for real peers.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalambet/vibelink/internal/protocol"
)

const pipeBuffer = 16

type pipeShared struct {
	closed chan struct{}
	once   sync.Once
}

// PipeEnd is one side of an in-memory connection.
type PipeEnd struct {
	remoteSig string
	in        <-chan protocol.Envelope
	out       chan<- protocol.Envelope
	shared    *pipeShared
}

// Pipe returns two connected ends. a is the handle node A uses to talk to B,
// so a.Signature() reports sigB and vice versa. Closing either end
// disconnects both.
func Pipe(sigA, sigB string) (a, b *PipeEnd) {
	ab := make(chan protocol.Envelope, pipeBuffer)
	ba := make(chan protocol.Envelope, pipeBuffer)
	shared := &pipeShared{closed: make(chan struct{})}
	a = &PipeEnd{remoteSig: sigB, in: ba, out: ab, shared: shared}
	b = &PipeEnd{remoteSig: sigA, in: ab, out: ba, shared: shared}
	return a, b
}

func (p *PipeEnd) Signature() string { return p.remoteSig }

func (p *PipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-p.shared.closed:
		return fmt.Errorf("sending %s: %w", env.Type, protocol.ErrDisconnected)
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.shared.closed:
		return fmt.Errorf("sending %s: %w", env.Type, protocol.ErrDisconnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns buffered messages even after the pipe is closed, so a
// peer that sends and hangs up is still heard.
func (p *PipeEnd) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.shared.closed:
		select {
		case env := <-p.in:
			return env, nil
		default:
		}
		return protocol.Envelope{}, fmt.Errorf("receiving: %w", protocol.ErrDisconnected)
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}

// StaticDiscoverer replays a fixed set of peers and then waits for
// cancellation.
type StaticDiscoverer struct {
	Peers []protocol.Peer
}

func (d StaticDiscoverer) Discover(ctx context.Context) <-chan protocol.Peer {
	ch := make(chan protocol.Peer)
	go func() {
		defer close(ch)
		for _, p := range d.Peers {
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch
}
