package reverseproxy

import "strings"

// hopHeaders is the immutable, case-insensitive set of header names that
// must never be forwarded to or from an upstream.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopHeader reports whether name (any case) is a hop-by-hop header.
func IsHopHeader(name string) bool {
	_, ok := hopHeaders[strings.ToLower(name)]
	return ok
}
