package dnsresolve

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/miekg/dns"

	"github.com/yylt/tul/pkgs/trojan"
)

func buildAnswerMessage(t *testing.T, name string, ip net.IP) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.Id = 1
	m.Response = true
	m.RecursionDesired = true
	m.RecursionAvailable = true
	m.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   ip,
	}}
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	return wire
}

func TestSkipNameAdvancesPastLabelsAndTerminator(t *testing.T) {
	// "www.example.com" then a trailing marker byte we must not consume.
	msg := []byte{3, 'w', 'w', 'w', 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0, 0xAA}
	off, err := skipName(msg, 0)
	if err != nil {
		t.Fatalf("skipName: %v", err)
	}
	if off != len(msg)-1 {
		t.Fatalf("off = %d, want %d (stop before trailing marker)", off, len(msg)-1)
	}
}

func TestSkipNameFollowsCompressionPointerByAdvancingTwoBytes(t *testing.T) {
	msg := []byte{0xC0, 0x0C, 0xAA}
	off, err := skipName(msg, 0)
	if err != nil {
		t.Fatalf("skipName: %v", err)
	}
	if off != 2 {
		t.Fatalf("off = %d, want 2", off)
	}
}

func TestSkipNameRejectsOversizeLabel(t *testing.T) {
	msg := append([]byte{64}, make([]byte, 64)...)
	if _, err := skipName(msg, 0); err == nil {
		t.Fatalf("skipName accepted a 64-byte label")
	}
}

func TestParseFirstAFindsAnswerAfterQuestion(t *testing.T) {
	wire := buildAnswerMessage(t, "example.com.", net.IPv4(93, 184, 216, 34))
	ip, err := parseFirstA(wire)
	if err != nil {
		t.Fatalf("parseFirstA: %v", err)
	}
	if !ip.Equal(net.IPv4(93, 184, 216, 34)) {
		t.Fatalf("ip = %v, want 93.184.216.34", ip)
	}
}

func TestParseFirstARejectsNonZeroRcode(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 1
	m.Response = true
	m.Rcode = dns.RcodeNameError
	m.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := parseFirstA(wire); err == nil {
		t.Fatalf("parseFirstA accepted NXDOMAIN response")
	}
}

func TestParseFirstARejectsShortMessage(t *testing.T) {
	if _, err := parseFirstA([]byte{1, 2, 3}); err == nil {
		t.Fatalf("parseFirstA accepted a 3-byte message")
	}
}

func TestParseFirstARejectsMissingAnswer(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 1
	m.Response = true
	m.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := parseFirstA(wire); err == nil {
		t.Fatalf("parseFirstA accepted an answerless response")
	}
}

func TestResolverIsSelfProviderAddressIPv4Literal(t *testing.T) {
	trie, _ := NewCIDRTrie(DefaultProviderPrefixes)
	r := NewResolver(trie, http.DefaultClient)

	self, ip, err := r.IsSelfProviderAddress(context.Background(), "1.1.1.1", trojan.Address{
		Kind: trojan.KindIPv4,
		IP:   net.ParseIP("104.16.0.1"),
	})
	if err != nil {
		t.Fatalf("IsSelfProviderAddress: %v", err)
	}
	if !self {
		t.Errorf("self = false, want true")
	}
	if !ip.Equal(net.ParseIP("104.16.0.1")) {
		t.Errorf("ip = %v, want 104.16.0.1", ip)
	}
}

func TestResolverIsSelfProviderAddressIPv6AlwaysFalse(t *testing.T) {
	trie, _ := NewCIDRTrie(DefaultProviderPrefixes)
	r := NewResolver(trie, http.DefaultClient)

	self, ip, err := r.IsSelfProviderAddress(context.Background(), "1.1.1.1", trojan.Address{
		Kind: trojan.KindIPv6,
		IP:   net.ParseIP("2001:db8::1"),
	})
	if err != nil {
		t.Fatalf("IsSelfProviderAddress: %v", err)
	}
	if self {
		t.Errorf("self = true, want false")
	}
	if !ip.Equal(net.IPv4zero) {
		t.Errorf("ip = %v, want 0.0.0.0", ip)
	}
}

func TestResolverResolveADomainOverBinaryDoH(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/dns-message" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		var q dns.Msg
		if err := q.Unpack(body); err != nil {
			t.Fatalf("unpack query: %v", err)
		}
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(buildAnswerMessage(t, q.Question[0].Name, net.IPv4(203, 0, 113, 7)))
	}))
	defer srv.Close()

	trie, _ := NewCIDRTrie(DefaultProviderPrefixes)
	r := NewResolver(trie, srv.Client())
	host := strings.TrimPrefix(srv.URL, "https://")

	self, ip, err := r.IsSelfProviderAddress(context.Background(), host, trojan.Address{
		Kind:   trojan.KindDomain,
		Domain: "example.com",
	})
	if err != nil {
		t.Fatalf("IsSelfProviderAddress: %v", err)
	}
	if self {
		t.Errorf("self = true, want false")
	}
	if !ip.Equal(net.IPv4(203, 0, 113, 7)) {
		t.Errorf("ip = %v, want 203.0.113.7", ip)
	}
}

func TestResolverResolveAJSONFallback(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "example.com" {
			t.Errorf("name = %q", r.URL.Query().Get("name"))
		}
		resp := dnsJSONResponse{Status: 0}
		resp.Answer = append(resp.Answer, struct {
			Type int    `json:"type"`
			Data string `json:"data"`
		}{Type: typeA, Data: "198.51.100.9"})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	trie, _ := NewCIDRTrie(DefaultProviderPrefixes)
	r := NewResolver(trie, srv.Client())
	host := strings.TrimPrefix(srv.URL, "https://")

	ip, err := r.resolveAJSON(context.Background(), host, "example.com")
	if err != nil {
		t.Fatalf("resolveAJSON: %v", err)
	}
	if !ip.Equal(net.ParseIP("198.51.100.9")) {
		t.Fatalf("ip = %v, want 198.51.100.9", ip)
	}
}

func TestResolverIsSelfProviderAddressFallsBackToJSONWhenBinaryFails(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			// Binary exchange is refused outright, forcing the JSON fallback.
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		if r.URL.Query().Get("name") != "example.com" {
			t.Errorf("name = %q", r.URL.Query().Get("name"))
		}
		resp := dnsJSONResponse{Status: 0}
		resp.Answer = append(resp.Answer, struct {
			Type int    `json:"type"`
			Data string `json:"data"`
		}{Type: typeA, Data: "104.16.0.1"})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	trie, _ := NewCIDRTrie(DefaultProviderPrefixes)
	r := NewResolver(trie, srv.Client())
	host := strings.TrimPrefix(srv.URL, "https://")

	self, ip, err := r.IsSelfProviderAddress(context.Background(), host, trojan.Address{
		Kind:   trojan.KindDomain,
		Domain: "example.com",
	})
	if err != nil {
		t.Fatalf("IsSelfProviderAddress: %v", err)
	}
	if !self {
		t.Errorf("self = false, want true")
	}
	if !ip.Equal(net.ParseIP("104.16.0.1")) {
		t.Errorf("ip = %v, want 104.16.0.1", ip)
	}
}

func TestValidateLabelsRejectsOversizeLabel(t *testing.T) {
	long := strings.Repeat("a", 64)
	if err := validateLabels(long + ".com"); err == nil {
		t.Fatalf("validateLabels accepted a 64-byte label")
	}
}

func TestBuildQueryUsesBigEndianHeaderLayout(t *testing.T) {
	// Sanity check that miekg/dns.Pack produces the big-endian QDCOUNT field
	// our hand-rolled parser assumes when walking the same wire format.
	m := new(dns.Msg)
	m.RecursionDesired = true
	m.Question = []dns.Question{{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	wire, err := m.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	qdcount := binary.BigEndian.Uint16(wire[4:6])
	if qdcount != 1 {
		t.Fatalf("qdcount = %d, want 1", qdcount)
	}
}
