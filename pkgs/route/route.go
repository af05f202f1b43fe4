// Package route implements the pure parsing and URL-building logic behind
// the mirror dispatcher (C6): splitting a request path into domain/port/rest,
// and re-assembling an upstream URL with its query string preserved.
package route

import (
	"net/url"
	"strings"
)

// ParsePath splits a request path of the form "/<domain>[:<port>][/<rest>]"
// into its components. ok is false for paths that don't start with '/' or
// are just "/", or whose domain segment would be empty — the "invalid"
// case, which the mirror handler turns into a 404 (absent a sticky cookie).
func ParsePath(path string) (domain, port, rest string, ok bool) {
	if !strings.HasPrefix(path, "/") || len(path) == 1 {
		return "", "", "", false
	}

	body := path[1:]
	domainEnd := strings.IndexAny(body, ":/")
	if domainEnd == -1 {
		domainEnd = len(body)
	}
	domain = body[:domainEnd]
	if domain == "" {
		return "", "", "", false
	}

	remaining := body[domainEnd:]
	if remaining == "" {
		return domain, "", "", true
	}

	if strings.HasPrefix(remaining, ":") {
		afterColon := remaining[1:]
		if pathStart := strings.IndexByte(afterColon, '/'); pathStart != -1 {
			return domain, afterColon[:pathStart], afterColon[pathStart:], true
		}
		return domain, afterColon, "", true
	}

	return domain, "", remaining, true
}

// BuildUpstreamURL assembles "https://domain[:port][rest][?query]" the way
// the mirror and registry handlers hand off to the reverse proxy. query may
// be nil.
func BuildUpstreamURL(domain, port, rest string, query url.Values) string {
	var b strings.Builder
	b.WriteString("https://")
	b.WriteString(domain)
	if port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteString(rest)
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}
	return b.String()
}
