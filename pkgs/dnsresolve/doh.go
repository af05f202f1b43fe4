package dnsresolve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/yylt/tul/pkgs/trojan"
)

// DefaultHTTPClient returns the http.Client used when no caller-supplied
// client is available: a short timeout, since the resolver never retries a
// slow or hanging upstream.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// Resolver issues DoH queries and classifies the result against a CIDRTrie.
type Resolver struct {
	trie   *CIDRTrie
	client *http.Client
}

// NewResolver builds a Resolver. client is reused across requests, the way
// the rest of this module reuses one process-wide http.Client.
func NewResolver(trie *CIDRTrie, client *http.Client) *Resolver {
	return &Resolver{trie: trie, client: client}
}

// IsSelfProviderAddress reports whether addr resolves to (or already is) an
// IPv4 address covered by the hosting provider's CIDR manifest. For a
// literal IPv4 address the returned IP is the input; for a domain it's the
// first A record; for IPv6 it always reports false with the zero address,
// since IPv6 targets are never treated as self-provider.
func (r *Resolver) IsSelfProviderAddress(ctx context.Context, dohHost string, addr trojan.Address) (bool, net.IP, error) {
	switch addr.Kind {
	case trojan.KindIPv6:
		return false, net.IPv4zero, nil
	case trojan.KindIPv4:
		ip := addr.IP.To4()
		return r.trie.Contains(ip), ip, nil
	case trojan.KindDomain:
		ip, err := r.resolveA(ctx, dohHost, addr.Domain)
		if err != nil {
			ip, err = r.resolveAJSON(ctx, dohHost, addr.Domain)
			if err != nil {
				return false, nil, err
			}
		}
		return r.trie.Contains(ip), ip, nil
	default:
		return false, net.IPv4zero, nil
	}
}

// resolveA performs the canonical binary-DoH exchange: a POST of a minimal
// DNS query packet with RD=1, one question, QTYPE=A.
func (r *Resolver) resolveA(ctx context.Context, dohHost, domain string) (net.IP, error) {
	if err := validateLabels(domain); err != nil {
		return nil, err
	}

	query := new(dns.Msg)
	query.Id = 0
	query.RecursionDesired = true
	query.Question = []dns.Question{{
		Name:   dns.Fqdn(domain),
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}}
	wire, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: building query: %v", ErrResolver, err)
	}

	endpoint := (&url.URL{Scheme: "https", Host: dohHost, Path: "/dns-query"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrResolver, err)
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrResolver, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrResolver, err)
	}
	return parseFirstA(body)
}

// dnsJSONResponse mirrors the subset of RFC 8427 JSON DoH fields the
// original implementation relied on.
type dnsJSONResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// resolveAJSON is the alternate JSON-form DoH exchange permitted by spec
// §4.2, matching the GET-based query the original implementation used
// exclusively. IsSelfProviderAddress falls back to it when the binary
// exchange fails, which also covers resolvers that never implemented the
// wire format.
func (r *Resolver) resolveAJSON(ctx context.Context, dohHost, domain string) (net.IP, error) {
	if err := validateLabels(domain); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("name", domain)
	q.Set("type", "A")
	endpoint := (&url.URL{Scheme: "https", Host: dohHost, Path: "/dns-query", RawQuery: q.Encode()}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrResolver, err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrResolver, err)
	}
	defer resp.Body.Close()

	var parsed dnsJSONResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding json: %v", ErrResolver, err)
	}
	if parsed.Status != 0 {
		return nil, fmt.Errorf("%w: status %d", ErrResolver, parsed.Status)
	}
	for _, a := range parsed.Answer {
		if a.Type != typeA {
			continue
		}
		ip := net.ParseIP(a.Data).To4()
		if ip == nil {
			continue
		}
		return ip, nil
	}
	return nil, fmt.Errorf("%w: no A record", ErrResolver)
}

func validateLabels(domain string) error {
	if domain == "" {
		return fmt.Errorf("%w: empty domain", ErrResolver)
	}
	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > 63 {
			return fmt.Errorf("%w: invalid label %q in %q", ErrResolver, label, domain)
		}
	}
	return nil
}
