// Package app provides the Caddy app module that owns the process-wide,
// compute-once state: configuration, the hosting-provider CIDR trie, and the
// DoH resolver built on top of it. Every HTTP handler and listener wrapper
// looks these up through the App rather than recomputing them.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"

	"github.com/yylt/tul/pkgs/dnsresolve"
	"github.com/yylt/tul/pkgs/onecell"
)

// CaddyAppID is the Caddy app module identifier other modules look up to
// reach the shared App instance.
const CaddyAppID = "tul"

func init() {
	caddy.RegisterModule(App{})
}

const (
	defaultPrefix   = "/tj"
	defaultPassword = "password"
	defaultBufsize  = 2048
	defaultDohHost  = "1.1.1.1"
)

// Config holds the read-once values described by the configuration
// component: the trojan path prefix, the expected password hash, the
// WsStream buffer size, and the DoH resolver host.
type Config struct {
	Prefix       string `json:"prefix,omitempty"`
	Password     string `json:"password,omitempty"`
	Bufsize      int    `json:"bufsize,omitempty"`
	DohHost      string `json:"doh_host,omitempty"`
	ExpectedHash string `json:"-"`
}

// Dialer opens the raw TCP connection a tunnel forwards to. Provision sets
// the App's dialer to a plain net.Dialer; there is no exported way to
// replace it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// App is the Caddy app module holding the worker's process-wide state.
type App struct {
	Prefix   string `json:"prefix,omitempty"`
	Password string `json:"password,omitempty"`
	Bufsize  int    `json:"bufsize,omitempty"`
	DohHost  string `json:"doh_host,omitempty"`

	logger *zap.Logger

	config   onecell.Cell[Config]
	trie     onecell.Cell[*dnsresolve.CIDRTrie]
	resolver onecell.Cell[*dnsresolve.Resolver]

	dialer Dialer
}

// CaddyModule returns the Caddy module information.
func (App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  CaddyAppID,
		New: func() caddy.Module { return new(App) },
	}
}

// Provision implements caddy.Provisioner. It does not eagerly build the
// trie or resolver — those stay lazy, built on first use via onecell.Cell —
// but it does resolve the Config values now, since each has a clear
// environment/field precedence and no network dependency.
func (a *App) Provision(ctx caddy.Context) error {
	a.logger = ctx.Logger(a)
	a.dialer = &net.Dialer{}
	cfg := a.config.Get(func() Config { return a.buildConfig() })
	a.logger.Info(fmt.Sprintf("tul app provisioned: prefix=%s bufsize=%d doh_host=%s", cfg.Prefix, cfg.Bufsize, cfg.DohHost))
	return nil
}

// Start implements caddy.App.
func (a *App) Start() error {
	return nil
}

// Stop implements caddy.App.
func (a *App) Stop() error {
	return nil
}

func (a *App) buildConfig() Config {
	prefix := firstNonEmpty(a.Prefix, os.Getenv("PREFIX"), defaultPrefix)
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	password := firstNonEmpty(a.Password, os.Getenv("PASSWORD"), defaultPassword)
	sum := sha256.Sum224([]byte(password))
	hash := hex.EncodeToString(sum[:])

	bufsize := a.Bufsize
	if bufsize == 0 {
		if v := os.Getenv("BUFSIZE"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				bufsize = parsed
			}
		}
	}
	if bufsize == 0 {
		bufsize = defaultBufsize
	}

	dohHost := firstNonEmpty(a.DohHost, os.Getenv("DOH_HOST"), defaultDohHost)

	return Config{
		Prefix:       prefix,
		Password:     password,
		Bufsize:      bufsize,
		DohHost:      dohHost,
		ExpectedHash: hash,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// GetConfig returns the process-wide Config, building it on first call.
func (a *App) GetConfig() Config {
	return a.config.Get(func() Config { return a.buildConfig() })
}

// GetCIDRTrie returns the process-wide hosting-provider CIDR trie, built
// exactly once from the compiled-in manifest.
func (a *App) GetCIDRTrie() *dnsresolve.CIDRTrie {
	return a.trie.Get(func() *dnsresolve.CIDRTrie {
		trie, err := dnsresolve.NewCIDRTrie(dnsresolve.DefaultProviderPrefixes)
		if err != nil {
			// A malformed compiled-in manifest is a programming bug, not a
			// runtime condition callers can recover from.
			panic(fmt.Sprintf("tul: invalid provider CIDR manifest: %v", err))
		}
		return trie
	})
}

// GetResolver returns the process-wide DoH resolver, built exactly once and
// bound to the App's CIDR trie.
func (a *App) GetResolver() *dnsresolve.Resolver {
	return a.resolver.Get(func() *dnsresolve.Resolver {
		return dnsresolve.NewResolver(a.GetCIDRTrie(), dnsresolve.DefaultHTTPClient())
	})
}

// Dial opens a TCP connection to address, used by the tunnel handler once a
// destination has cleared the self-provider check.
func (a *App) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return a.dialer.DialContext(ctx, network, address)
}

// Interface guards
var (
	_ caddy.Module      = (*App)(nil)
	_ caddy.Provisioner = (*App)(nil)
	_ caddy.App         = (*App)(nil)
)
