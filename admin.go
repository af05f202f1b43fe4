// Package tul is the module's root package: it registers a read-only Caddy
// admin API for inspecting the worker's process-wide state (configuration
// and the hosting-provider CIDR manifest) without exposing any way to
// mutate it over the wire — unlike a multi-tenant proxy, this worker has one
// shared password, not a set of accounts to manage.
package tul

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/caddyserver/caddy/v2"

	"github.com/yylt/tul/app"
	"github.com/yylt/tul/pkgs/dnsresolve"
)

func init() {
	caddy.RegisterModule(Admin{})
}

// Admin exposes read-only diagnostics under /tul/*.
type Admin struct {
	app *app.App
}

// CaddyModule returns the Caddy module information.
func (Admin) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "admin.api.tul",
		New: func() caddy.Module { return new(Admin) },
	}
}

// Provision implements caddy.Provisioner. The admin API is optional: if the
// tul app was never configured, /tul/config answers with an empty body
// (and /tul/cidr still reports the compiled-in manifest) rather than
// failing Caddy's startup.
func (al *Admin) Provision(ctx caddy.Context) error {
	if _, err := ctx.AppIfConfigured(app.CaddyAppID); err != nil {
		if errors.Is(err, caddy.ErrNotConfigured) {
			return nil
		}
		return err
	}
	mod, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return err
	}
	al.app = mod.(*app.App)
	return nil
}

// Routes returns the /tul/* admin endpoints.
func (al *Admin) Routes() []caddy.AdminRoute {
	return []caddy.AdminRoute{
		{
			Pattern: "/tul/config",
			Handler: caddy.AdminHandlerFunc(al.GetConfig),
		},
		{
			Pattern: "/tul/cidr",
			Handler: caddy.AdminHandlerFunc(al.GetCIDR),
		},
	}
}

// configView is Config with the password and its hash withheld — an admin
// endpoint is not the place to echo back a secret.
type configView struct {
	Prefix  string `json:"prefix"`
	Bufsize int    `json:"bufsize"`
	DohHost string `json:"doh_host"`
}

// GetConfig reports the worker's resolved, non-secret configuration.
func (al *Admin) GetConfig(w http.ResponseWriter, r *http.Request) error {
	if al.app == nil {
		return nil
	}
	if r.Method != http.MethodGet {
		return errors.New("get tul config method error")
	}

	cfg := al.app.GetConfig()
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(configView{
		Prefix:  cfg.Prefix,
		Bufsize: cfg.Bufsize,
		DohHost: cfg.DohHost,
	})
}

// GetCIDR reports the compiled-in hosting-provider CIDR manifest the
// self-provider classifier matches against.
func (al *Admin) GetCIDR(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return errors.New("get tul cidr method error")
	}
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(dnsresolve.DefaultProviderPrefixes)
}

// Interface guards
var (
	_ caddy.AdminRouter = (*Admin)(nil)
	_ caddy.Provisioner = (*Admin)(nil)
)
