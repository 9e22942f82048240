package orchestrator

import (
	"context"

	"github.com/kalambet/vibelink/internal/session"
)

// Ticket is the future result of a peer's session.
type Ticket struct {
	PeerSignature string

	done chan struct{}
	res  session.Result
	err  error
}

func newTicket(sig string) *Ticket {
	return &Ticket{PeerSignature: sig, done: make(chan struct{})}
}

func (t *Ticket) resolve(res session.Result, err error) {
	t.res, t.err = res, err
	close(t.done)
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the session finishes or ctx is done. The error is the
// session failure, ErrDropped, ErrShuttingDown, or ctx's error.
func (t *Ticket) Wait(ctx context.Context) (session.Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return session.Result{}, ctx.Err()
	}
}
