package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/kalambet/vibelink/internal/protocol"
)

// SignatureHeader carries the advertised peer signature on the upgrade
// request and response.
const SignatureHeader = "X-Vibelink-Signature"

// PeerPath is where the listener accepts peer connections.
const PeerPath = "/peer"

const maxMessageSize = 64 << 10

// Conn is a Peer over a WebSocket connection.
type Conn struct {
	ws        *websocket.Conn
	remoteSig string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn, remoteSig string) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws, remoteSig: remoteSig}
}

func (c *Conn) Signature() string { return c.remoteSig }

func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("sending %s: %w", env.Type, protocol.ErrDisconnected)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetWriteDeadline(time.Now()) })
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("sending %s: %w: %v", env.Type, protocol.ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) (protocol.Envelope, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return protocol.Envelope{}, fmt.Errorf("receiving: %w", protocol.ErrDisconnected)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.ws.SetReadDeadline(time.Now()) })
	defer stop()

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return protocol.Envelope{}, ctxErr
		}
		return protocol.Envelope{}, fmt.Errorf("receiving: %w: %v", protocol.ErrDisconnected, err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	return env, nil
}

// contextError maps an I/O error caused by ctx back to the context error. A
// deadline can fire on the socket a moment before ctx reports it.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if _, ok := ctx.Deadline(); ok && errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	return nil
}

// Close sends a close frame when possible and releases the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Dial connects to a peer listener at url, advertising localSig.
func Dial(ctx context.Context, url, localSig string) (*Conn, error) {
	h := http.Header{}
	h.Set(SignatureHeader, localSig)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	remote := resp.Header.Get(SignatureHeader)
	if remote == "" {
		ws.Close()
		return nil, fmt.Errorf("dialing %s: peer did not advertise a signature", url)
	}
	return newConn(ws, remote), nil
}

// Listener accepts inbound peers and hands them out through Discover.
type Listener struct {
	localSig   string
	maxInbound int
	upgrader   websocket.Upgrader
	peers      chan protocol.Peer
	logger     *slog.Logger
}

// NewListener creates a Listener. maxInbound bounds simultaneous inbound
// connections; values <= 0 default to 16.
func NewListener(localSig string, maxInbound int) *Listener {
	if maxInbound <= 0 {
		maxInbound = 16
	}
	return &Listener{
		localSig:   localSig,
		maxInbound: maxInbound,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
		},
		peers:  make(chan protocol.Peer),
		logger: slog.Default(),
	}
}

// Handler returns the HTTP handler that upgrades peer connections.
func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PeerPath, l.handlePeer)
	return mux
}

func (l *Listener) handlePeer(w http.ResponseWriter, r *http.Request) {
	remote := r.Header.Get(SignatureHeader)
	if remote == "" {
		http.Error(w, "missing "+SignatureHeader, http.StatusBadRequest)
		return
	}
	if remote == l.localSig {
		http.Error(w, "refusing to connect to self", http.StatusConflict)
		return
	}

	h := http.Header{}
	h.Set(SignatureHeader, l.localSig)
	ws, err := l.upgrader.Upgrade(w, r, h)
	if err != nil {
		l.logger.Warn("peer upgrade failed", "peer", remote, "error", err)
		return
	}

	conn := newConn(ws, remote)
	select {
	case l.peers <- conn:
		l.logger.Debug("inbound peer", "peer", remote, "remote_addr", r.RemoteAddr)
	case <-r.Context().Done():
		conn.Close()
	case <-time.After(l.upgrader.HandshakeTimeout):
		l.logger.Warn("no consumer for inbound peer, closing", "peer", remote)
		conn.Close()
	}
}

// Serve accepts peers on ln until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l.logger.Info("peer listener started", "addr", ln.Addr().String(), "max_inbound", l.maxInbound)
	err := srv.Serve(netutil.LimitListener(ln, l.maxInbound))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return l.Serve(ctx, ln)
}

// Discover streams inbound peers until ctx is cancelled.
func (l *Listener) Discover(ctx context.Context) <-chan protocol.Peer {
	out := make(chan protocol.Peer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-l.peers:
				select {
				case out <- p:
				case <-ctx.Done():
					p.Close()
					return
				}
			}
		}
	}()
	return out
}
