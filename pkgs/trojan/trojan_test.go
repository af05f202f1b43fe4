package trojan

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func expectedHashFor(password string) []byte {
	sum := sha256.Sum224([]byte(password))
	return []byte(hex.EncodeToString(sum[:]))
}

func TestExpectedHashShapeIsStable(t *testing.T) {
	for _, pw := range []string{"", "password", "a long shared secret with spaces"} {
		h := expectedHashFor(pw)
		if len(h) != HeaderLen {
			t.Fatalf("hash for %q has length %d, want %d", pw, len(h), HeaderLen)
		}
		for _, c := range h {
			isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
			if !isHex {
				t.Fatalf("hash for %q contains non-lowercase-hex byte %q", pw, c)
			}
		}
	}
}

func buildPreamble(t *testing.T, hash []byte, cmd byte, atyp byte, addr []byte, port uint16, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(hash)
	buf.WriteString("\r\n")
	buf.WriteByte(cmd)
	buf.WriteByte(atyp)
	buf.Write(addr)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)
	buf.Write(portBuf[:])
	buf.WriteString("\r\n")
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadRequestValidPreambles(t *testing.T) {
	hash := expectedHashFor("password")
	payload := []byte("hello upstream")

	cases := []struct {
		name string
		atyp byte
		addr []byte
		port uint16
		want Address
	}{
		{
			name: "ipv4",
			atyp: atypIPv4,
			addr: []byte{1, 2, 3, 4},
			port: 443,
			want: Address{Kind: KindIPv4, IP: ipv4From([]byte{1, 2, 3, 4})},
		},
		{
			name: "domain",
			atyp: atypDomain,
			addr: append([]byte{byte(len("example.com"))}, []byte("example.com")...),
			port: 8080,
			want: Address{Kind: KindDomain, Domain: "example.com"},
		},
		{
			name: "ipv6",
			atyp: atypIPv6,
			addr: bytes.Repeat([]byte{0xfe}, 16),
			port: 1,
			want: Address{Kind: KindIPv6, IP: ipv6From(bytes.Repeat([]byte{0xfe}, 16))},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := buildPreamble(t, hash, cmdConnect, tc.atyp, tc.addr, tc.port, payload)
			r := bytes.NewReader(wire)
			req, err := ReadRequest(r, hash)
			if err != nil {
				t.Fatalf("ReadRequest: %v", err)
			}
			if req.Port != tc.port {
				t.Errorf("port = %d, want %d", req.Port, tc.port)
			}
			if req.Addr.Kind != tc.want.Kind {
				t.Errorf("kind = %v, want %v", req.Addr.Kind, tc.want.Kind)
			}
			if req.Addr.String() != tc.want.String() {
				t.Errorf("addr = %v, want %v", req.Addr, tc.want)
			}
			rest, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("reading leftover payload: %v", err)
			}
			if !bytes.Equal(rest, payload) {
				t.Errorf("leftover payload = %q, want %q", rest, payload)
			}
		})
	}
}

func TestReadRequestBadHash(t *testing.T) {
	hash := expectedHashFor("password")
	wrong := expectedHashFor("not-the-password")
	wire := buildPreamble(t, wrong, cmdConnect, atypIPv4, []byte{1, 2, 3, 4}, 443, nil)
	_, err := ReadRequest(bytes.NewReader(wire), hash)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestReadRequestRejectsUDPAssociate(t *testing.T) {
	hash := expectedHashFor("password")
	wire := buildPreamble(t, hash, cmdUDPAssociate, atypIPv4, []byte{1, 2, 3, 4}, 443, nil)
	_, err := ReadRequest(bytes.NewReader(wire), hash)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestReadRequestTruncation(t *testing.T) {
	hash := expectedHashFor("password")
	full := buildPreamble(t, hash, cmdConnect, atypIPv4, []byte{1, 2, 3, 4}, 443, []byte("x"))
	// Drop the payload byte, then try every strict prefix of the preamble
	// (final CRLF included); every truncation must fail.
	preambleLen := len(full) - 1 // preamble ends right before the payload byte
	for n := 0; n < preambleLen; n++ {
		_, err := ReadRequest(bytes.NewReader(full[:n]), hash)
		if err == nil {
			t.Fatalf("truncation at %d bytes unexpectedly succeeded", n)
		}
	}
}

func TestReadRequestRejectsUnknownAtyp(t *testing.T) {
	hash := expectedHashFor("password")
	var buf bytes.Buffer
	buf.Write(hash)
	buf.WriteString("\r\n")
	buf.WriteByte(cmdConnect)
	buf.WriteByte(0x7f)
	_, err := ReadRequest(&buf, hash)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestReadRequestRejectsMissingCRLF(t *testing.T) {
	hash := expectedHashFor("password")
	r := strings.NewReader(string(hash) + "XX")
	_, err := ReadRequest(r, hash)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}
