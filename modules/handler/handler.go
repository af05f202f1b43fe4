// Package handler implements the single HTTP entry point (C8) and the path
// router (C6): one caddyhttp.MiddlewareHandler that dispatches DNS-query
// proxying, the Trojan-over-WebSocket tunnel, the registry proxy, and the
// generic mirror from the same listener.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yylt/tul/app"
	"github.com/yylt/tul/pkgs/reverseproxy"
	"github.com/yylt/tul/pkgs/route"
	"github.com/yylt/tul/pkgs/trojan"
	"github.com/yylt/tul/pkgs/wsstream"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("tul", func(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
		m := &Handler{}
		err := m.UnmarshalCaddyfile(h.Dispenser)
		return m, err
	})
}

// stickyCookie is the name of the sticky-host cookie the mirror handler
// sets on HTML responses reached via a bare "/<domain>" request.
const stickyCookie = "tul_host"

var registryHosts = map[string]string{
	"gcr.io":          "gcr.io",
	"quay.io":         "quay.io",
	"ghcr.io":         "ghcr.io",
	"registry.k8s.io": "registry.k8s.io",
}

const defaultRegistryHost = "registry-1.docker.io"

// Handler implements the worker's one HTTP entry point.
type Handler struct {
	Verbose bool `json:"verbose,omitempty"`

	app      *app.App
	logger   *zap.Logger
	upgrader websocket.Upgrader
	proxy    *reverseproxy.Proxy
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.tul",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision implements caddy.Provisioner.
func (m *Handler) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger(m)
	mod, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return fmt.Errorf("tul handler configure error: %w", err)
	}
	m.app = mod.(*app.App)
	m.proxy = reverseproxy.New(http.DefaultClient)
	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (m *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	cfg := m.app.GetConfig()

	switch {
	case r.URL.Path == "/dns-query":
		return m.serveDNSQuery(w, r, cfg)
	case strings.HasPrefix(r.URL.Path, cfg.Prefix):
		return m.serveTunnel(w, r, cfg)
	case strings.HasPrefix(r.URL.Path, "/v2"):
		return m.serveRegistry(w, r)
	default:
		return m.serveMirror(w, r)
	}
}

func (m *Handler) serveDNSQuery(w http.ResponseWriter, r *http.Request, cfg app.Config) error {
	target := &url.URL{Scheme: "https", Host: cfg.DohHost, Path: "/dns-query", RawQuery: r.URL.RawQuery}
	_, err := reverseproxy.ServeAndRewrite(m.proxy, w, r, target, r.Host)
	return m.reportProxyError(w, err, "dns-query")
}

// registryUpstream maps the "ns" query parameter to the upstream registry
// host, defaulting to Docker Hub's registry when ns is absent or unknown.
func registryUpstream(ns string) string {
	if mapped, ok := registryHosts[ns]; ok {
		return mapped
	}
	return defaultRegistryHost
}

func (m *Handler) serveRegistry(w http.ResponseWriter, r *http.Request) error {
	domain := registryUpstream(r.URL.Query().Get("ns"))
	target := &url.URL{Scheme: "https", Host: domain, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	_, err := reverseproxy.ServeAndRewrite(m.proxy, w, r, target, r.Host)
	return m.reportProxyError(w, err, "registry")
}

// reportProxyError writes a response for a proxy failure and swallows it so
// Caddy doesn't also log and render its own error page — the contract in
// spec §7 is that a single upstream failure surfaces once, to the client.
func (m *Handler) reportProxyError(w http.ResponseWriter, err error, role string) error {
	if err == nil {
		return nil
	}
	m.logger.Error(fmt.Sprintf("%s proxy error: %v", role, err))
	if errors.Is(err, reverseproxy.ErrUpstream) {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return nil
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
	return nil
}

func (m *Handler) serveMirror(w http.ResponseWriter, r *http.Request) error {
	var cookieHost string
	if c, err := r.Cookie(stickyCookie); err == nil {
		cookieHost = c.Value
	}

	domain, port, rest, ok := route.ParsePath(r.URL.Path)
	notresolve := true
	onlydomain := false

	if ok && strings.Contains(domain, ".") {
		resolver := m.app.GetResolver()
		cfg := m.app.GetConfig()
		if _, _, err := resolver.IsSelfProviderAddress(r.Context(), cfg.DohHost, domainAddress(domain)); err == nil {
			notresolve = false
			if len(rest) <= 1 {
				onlydomain = true
			}
		}
	}

	if notresolve {
		if cookieHost == "" {
			http.NotFound(w, r)
			return nil
		}
		domain = cookieHost
		port = ""
		rest = r.URL.Path
	}

	target, err := url.Parse(route.BuildUpstreamURL(domain, port, rest, r.URL.Query()))
	if err != nil {
		http.NotFound(w, r)
		return nil
	}

	isHTML, err := reverseproxy.ServeAndRewrite(m.proxy, w, r, target, r.Host)
	if err != nil {
		return m.reportProxyError(w, err, "mirror")
	}

	if isHTML && onlydomain {
		http.SetCookie(w, &http.Cookie{
			Name:   stickyCookie,
			Value:  domain,
			Path:   "/",
			MaxAge: 3600,
		})
	}
	return nil
}

// domainAddress wraps a bare domain name in the trojan.Address shape the
// resolver's classifier expects, without going through the wire parser.
func domainAddress(domain string) trojan.Address {
	return trojan.Address{Kind: trojan.KindDomain, Domain: domain}
}

func (m *Handler) serveTunnel(w http.ResponseWriter, r *http.Request, cfg app.Config) error {
	if !websocket.IsWebSocketUpgrade(r) {
		return next404(w)
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil
	}

	go m.handleTunnel(conn, cfg)
	return nil
}

func next404(w http.ResponseWriter) error {
	http.NotFound(w, nil)
	return nil
}

func (m *Handler) handleTunnel(conn *websocket.Conn, cfg app.Config) {
	stream := wsstream.New(conn, cfg.Bufsize)

	req, err := trojan.ReadRequest(stream, []byte(cfg.ExpectedHash))
	if err != nil {
		if m.Verbose {
			m.logger.Info(fmt.Sprintf("tunnel handshake rejected: %v", err))
		}
		_ = stream.CloseInternalError()
		return
	}

	ctx := context.Background()
	self, _, err := m.app.GetResolver().IsSelfProviderAddress(ctx, cfg.DohHost, req.Addr)
	if err != nil {
		m.logger.Error(fmt.Sprintf("tunnel resolver error: %v", err))
		_ = stream.CloseInternalError()
		return
	}
	if self {
		if m.Verbose {
			m.logger.Info(fmt.Sprintf("tunnel refused self-provider target %v", req.Addr))
		}
		_ = stream.CloseNormal()
		return
	}

	address := net.JoinHostPort(req.Addr.String(), strconv.Itoa(int(req.Port)))
	upstream, err := m.app.Dial(ctx, "tcp", address)
	if err != nil {
		m.logger.Error(fmt.Sprintf("tunnel dial %s error: %v", address, err))
		_ = stream.CloseInternalError()
		return
	}
	defer upstream.Close()

	if m.Verbose {
		m.logger.Info(fmt.Sprintf("tunnel open to %s", address))
	}

	if err := copyBidirectional(stream, upstream); err != nil {
		_ = stream.CloseInternalError()
		return
	}
	_ = stream.CloseNormal()
}

// copyBidirectional runs two concurrent copies — stream→upstream and
// upstream→stream — and returns once both have stopped, reporting the first
// non-EOF error encountered on either side.
func copyBidirectional(stream *wsstream.Stream, upstream net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(upstream, stream)
		upstream.Close()
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(stream, upstream)
		stream.Close()
		errCh <- err
	}()

	first := <-errCh
	second := <-errCh
	if first != nil && !isExpectedCopyEnd(first) {
		return first
	}
	if second != nil && !isExpectedCopyEnd(second) {
		return second
	}
	return nil
}

// isExpectedCopyEnd reports whether err is how a bidirectional copy loop
// ordinarily ends: one side hit EOF, or the other goroutine already closed
// the connection this side was blocked reading from.
func isExpectedCopyEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// UnmarshalCaddyfile unmarshals Caddyfile tokens into h.
func (m *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	if !d.Next() {
		return d.ArgErr()
	}
	args := d.RemainingArgs()
	if len(args) > 0 {
		return d.ArgErr()
	}
	for nesting := d.Nesting(); d.NextBlock(nesting); {
		switch d.Val() {
		case "verbose":
			if m.Verbose {
				return d.Err("only one verbose is not allowed")
			}
			m.Verbose = true
		}
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
