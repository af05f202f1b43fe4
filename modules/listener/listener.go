// Package listener adapts the worker's Trojan tunnel to plain TLS-terminated
// TCP, for clients that speak raw Trojan-over-TLS instead of
// Trojan-over-WebSocket. It wraps the server's listener, peeks at the start
// of each new connection, and only claims the ones that look like a Trojan
// preamble — everything else is handed back to Caddy's normal HTTP path
// untouched.
package listener

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"go.uber.org/zap"

	"github.com/yylt/tul/app"
	"github.com/yylt/tul/pkgs/rawconn"
	"github.com/yylt/tul/pkgs/trojan"
)

func init() {
	caddy.RegisterModule(ListenerWrapper{})
}

// ListenerWrapper implements a raw-TCP ingress for the Trojan tunnel,
// alongside the WebSocket ingress served by modules/handler.
type ListenerWrapper struct {
	Verbose bool `json:"verbose,omitempty"`

	app    *app.App
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (ListenerWrapper) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "caddy.listeners.tul",
		New: func() caddy.Module { return new(ListenerWrapper) },
	}
}

// Provision implements caddy.Provisioner.
func (m *ListenerWrapper) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)
	mod, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return fmt.Errorf("tul listener configure error: %w", err)
	}
	m.app = mod.(*app.App)
	return nil
}

// WrapListener implements caddy.ListenerWrapper.
func (m *ListenerWrapper) WrapListener(l net.Listener) net.Listener {
	ln := NewListener(l, m.app, m.logger)
	ln.Verbose = m.Verbose
	go ln.loop()
	return ln
}

// UnmarshalCaddyfile unmarshals Caddyfile tokens into m.
func (m *ListenerWrapper) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	if !d.Next() {
		return d.ArgErr()
	}
	if len(d.RemainingArgs()) > 0 {
		return d.ArgErr()
	}
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		if d.Val() == "verbose" {
			m.Verbose = true
		}
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner     = (*ListenerWrapper)(nil)
	_ caddy.ListenerWrapper = (*ListenerWrapper)(nil)
	_ caddyfile.Unmarshaler = (*ListenerWrapper)(nil)
)

// Listener claims raw connections whose first bytes look like a Trojan
// preamble and hands everything else back to Caddy unmodified.
type Listener struct {
	Verbose bool

	net.Listener
	app    *app.App
	logger *zap.Logger

	conns  chan net.Conn
	closed chan struct{}
}

// NewListener wraps ln.
func NewListener(ln net.Listener, a *app.App, logger *zap.Logger) *Listener {
	return &Listener{
		Listener: ln,
		app:      a,
		logger:   logger,
		conns:    make(chan net.Conn, 8),
		closed:   make(chan struct{}),
	}
}

// Accept implements net.Listener, returning only connections this wrapper
// has already classified as non-Trojan (or is rewinding back unread).
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.closed:
		return nil, os.ErrClosed
	case c := <-l.conns:
		return c, nil
	}
}

// Close implements net.Listener.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}
	return nil
}

func (l *Listener) loop() {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
				l.logger.Error(fmt.Sprintf("accept net.Conn error: %v", err))
			}
			continue
		}
		go l.handleConn(conn)
	}
}

// handleConn reads up to HeaderLen+2 bytes looking for the Trojan preamble,
// mimicking the way a plain HTTP proxy reads a request line up to its first
// CRLF. A connection that doesn't match by the time the preamble's CRLF slot
// is reached, or whose hash fails, is rewound and handed to the normal HTTP
// path instead of closed outright.
func (l *Listener) handleConn(conn net.Conn) {
	b := make([]byte, trojan.HeaderLen+2)
	for n := 0; n < trojan.HeaderLen+2; n++ {
		nr, err := conn.Read(b[n : n+1])
		if err != nil {
			if errors.Is(err, io.EOF) {
				conn.Close()
				return
			}
			l.rewind(conn, b[:n])
			return
		}
		if nr == 0 {
			continue
		}
		if b[n] == 0x0a && n < trojan.HeaderLen+1 {
			l.rewind(conn, b[:n+1])
			return
		}
	}

	cfg := l.app.GetConfig()
	if subtle.ConstantTimeCompare(b[:trojan.HeaderLen], []byte(cfg.ExpectedHash)) != 1 {
		l.rewind(conn, b)
		return
	}
	defer conn.Close()

	ctx := context.Background()
	req, err := trojan.ReadRequest(io.MultiReader(bytes.NewReader(b), conn), []byte(cfg.ExpectedHash))
	if err != nil {
		l.logger.Error(fmt.Sprintf("net.Conn trojan handshake error: %v", err))
		return
	}

	self, _, err := l.app.GetResolver().IsSelfProviderAddress(ctx, cfg.DohHost, req.Addr)
	if err != nil {
		l.logger.Error(fmt.Sprintf("net.Conn resolver error: %v", err))
		return
	}
	if self {
		if l.Verbose {
			l.logger.Info(fmt.Sprintf("net.Conn tunnel refused self-provider target %v", req.Addr))
		}
		return
	}

	address := net.JoinHostPort(req.Addr.String(), fmt.Sprint(req.Port))
	upstream, err := l.app.Dial(ctx, "tcp", address)
	if err != nil {
		l.logger.Error(fmt.Sprintf("net.Conn dial %s error: %v", address, err))
		return
	}
	defer upstream.Close()

	if l.Verbose {
		l.logger.Info(fmt.Sprintf("net.Conn tunnel open to %s", address))
	}
	copyBidirectional(conn, upstream)
}

func (l *Listener) rewind(conn net.Conn, prefix []byte) {
	select {
	case <-l.closed:
		conn.Close()
	default:
		l.conns <- rawconn.RewindConn(conn, prefix)
	}
}

func copyBidirectional(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(b, a)
		b.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(a, b)
		a.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}
