// Package reverseproxy implements the registry/mirror HTTP proxy (C5): it
// builds the upstream request, forwards it without following redirects, and
// rewrites the response's headers and — for HTML — body so that navigation
// stays on the mirror's own host.
package reverseproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ErrUpstream wraps a failed upstream round trip (a connect/TLS failure or
// a timeout before the response arrives). Errors while copying or reading
// the response body are returned without it.
var ErrUpstream = errors.New("reverseproxy: upstream unreachable")

// attrRewrite matches an src= or href= attribute whose value begins with an
// absolute or protocol-relative URL, compiled once at package init since
// the pattern never changes across requests.
var attrRewrite = regexp.MustCompile(`(?P<attr>src|href)(?P<eq>=)(?P<quote>['"]?)(?P<url>(//|https://))`)

// Proxy forwards requests to an upstream and rewrites the response.
type Proxy struct {
	Client *http.Client
}

// New builds a Proxy with a client configured not to follow redirects —
// redirects are rewritten for the client to follow itself, never chased
// server-side.
func New(client *http.Client) *Proxy {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Proxy{Client: &c}
}

// Forward builds and sends the upstream request for r, targeting target.
// Hop-by-hop headers are stripped, Host is overwritten to target's host,
// Referer is cleared, and the request body (if any) is streamed through.
func (p *Proxy) Forward(r *http.Request, target *url.URL) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("reverseproxy: build upstream request: %w", err)
	}

	for name, values := range r.Header {
		if IsHopHeader(name) {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(name, v)
		}
	}
	upstreamReq.Header.Del("Referer")
	upstreamReq.Header.Set("Host", target.Host)
	upstreamReq.Host = target.Host
	upstreamReq.ContentLength = r.ContentLength

	resp, err := p.Client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return resp, nil
}

// RewriteResponseHeaders applies the per-header rewrite rules of spec §4.5
// to resp.Header in place, given the client-facing host (myHost) and the
// host the request was just sent to (upstreamHost).
func RewriteResponseHeaders(h http.Header, status int, myHost, upstreamHost string) {
	for name := range h {
		if IsHopHeader(name) {
			h.Del(name)
		}
	}

	if status >= 301 && status <= 308 {
		if loc := h.Get("Location"); loc != "" {
			h.Set("Location", rewriteLocation(loc, myHost, upstreamHost))
		}
	}

	if status == http.StatusUnauthorized {
		if wa := h.Get("Www-Authenticate"); wa != "" {
			h.Set("Www-Authenticate", strings.ReplaceAll(wa, "https://", "https://"+myHost+"/"))
		}
	}

	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		h.Del("Set-Cookie")
		for _, c := range cookies {
			h.Add("Set-Cookie", strings.ReplaceAll(c, upstreamHost, myHost))
		}
	}

	h.Del("Content-Security-Policy")
	h.Set("Access-Control-Allow-Origin", "*")
}

func rewriteLocation(value, myHost, upstreamHost string) string {
	switch {
	case strings.HasPrefix(value, "/"):
		return "/" + upstreamHost + value
	case strings.HasPrefix(value, "https://"):
		if u, err := url.Parse(value); err == nil && strings.Contains(u.Host, "cloudflarestorage") {
			return value
		}
		return strings.Replace(value, "https://", "https://"+myHost+"/", 1)
	default:
		return value
	}
}

// IsHTML reports whether a Content-Type header value denotes an HTML body.
func IsHTML(contentType string) bool {
	return strings.Contains(contentType, "text/html")
}

// ReplaceHost literally substitutes every "//<upstreamHost>" occurrence in
// body with "//<myHost>/<upstreamHost>", catching protocol-relative URLs
// the attribute regex doesn't parse (e.g. inside inline <script> or <style>
// blocks). Applying it twice is a no-op the second time, since the
// replacement text no longer contains the search pattern (src != dest).
func ReplaceHost(body []byte, upstreamHost, myHost string) []byte {
	needle := []byte("//" + upstreamHost)
	replacement := []byte("//" + myHost + "/" + upstreamHost)
	return bytes.ReplaceAll(body, needle, replacement)
}

// RewriteHTML applies the body-rewrite rules of spec §4.5 step 2-3 to an
// HTML document: tag attributes pointing at absolute/protocol-relative URLs
// are redirected through myHost, then any remaining bare "//upstreamHost"
// occurrence is folded in the same way.
func RewriteHTML(body []byte, myHost, upstreamHost string) []byte {
	rewritten := attrRewrite.ReplaceAll(body, []byte(`${attr}${eq}${quote}https://`+myHost+`/`))
	return ReplaceHost(rewritten, upstreamHost, myHost)
}

// ServeAndRewrite forwards r to target, rewrites the response per spec §4.5,
// and writes it to w. It reports whether the response was HTML, which the
// mirror handler needs to decide whether to set the sticky-host cookie.
func ServeAndRewrite(p *Proxy, w http.ResponseWriter, r *http.Request, target *url.URL, myHost string) (isHTML bool, err error) {
	resp, err := p.Forward(r, target)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	isHTML = IsHTML(contentType)

	RewriteResponseHeaders(resp.Header, resp.StatusCode, myHost, target.Host)

	if !isHTML {
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, err = io.Copy(w, resp.Body)
		return false, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("reverseproxy: reading html body: %w", err)
	}
	body = RewriteHTML(body, myHost, target.Host)
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", fmt.Sprint(len(body)))

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, err = w.Write(body)
	return true, err
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
