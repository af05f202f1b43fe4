// Package trojan implements the Trojan preamble parser: the handshake that
// precedes every tunneled connection, independent of the transport (a
// WebSocket byte stream or a raw TLS-terminated net.Conn) that carries it.
//
// https://trojan-gfw.github.io/trojan/protocol
//
//	+-----------------------+---------+----------------+---------+----------+
//	| hex(SHA224(password)) |  CRLF   | Trojan Request |  CRLF   | Payload  |
//	+-----------------------+---------+----------------+---------+----------+
//	|          56           | X'0D0A' |    Variable    | X'0D0A' | Variable |
//	+-----------------------+---------+----------------+---------+----------+
package trojan

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderLen is the length in bytes of the hex-encoded SHA-224 password hash.
const HeaderLen = 56

const (
	cmdConnect      byte = 0x01
	cmdUDPAssociate byte = 0x03

	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04
)

var (
	// ErrAuth is returned when the password hash does not match.
	ErrAuth = errors.New("trojan: authentication failed")
	// ErrProtocol is returned for any malformed or unsupported framing.
	ErrProtocol = errors.New("trojan: malformed request")
)

var crlf = [2]byte{'\r', '\n'}

// Request is the parsed Trojan preamble: the tunnel's destination.
type Request struct {
	Addr Address
	Port uint16
}

// ReadRequest reads and validates a Trojan preamble from r, which may be a
// WsStream, a net.Conn, or any other io.Reader. expectedHash must be the
// 56-byte lowercase hex digest the caller is willing to accept.
//
// Reads are sequential and happen entirely through r; any bytes r makes
// available past the final CRLF are payload and remain readable from r by
// the caller's forwarding loop — ReadRequest never reads more than the
// preamble's fixed fields require.
func ReadRequest(r io.Reader, expectedHash []byte) (Request, error) {
	var hash [HeaderLen]byte
	if err := readExact(r, hash[:]); err != nil {
		return Request{}, fmt.Errorf("%w: reading password hash: %v", ErrProtocol, err)
	}
	if subtle.ConstantTimeCompare(hash[:], expectedHash) != 1 {
		return Request{}, ErrAuth
	}

	if err := expectCRLF(r); err != nil {
		return Request{}, err
	}

	var cmd [1]byte
	if err := readExact(r, cmd[:]); err != nil {
		return Request{}, fmt.Errorf("%w: reading command: %v", ErrProtocol, err)
	}
	if cmd[0] == cmdUDPAssociate {
		return Request{}, fmt.Errorf("%w: UDP ASSOCIATE not supported", ErrProtocol)
	}
	if cmd[0] != cmdConnect {
		return Request{}, fmt.Errorf("%w: unknown command 0x%02x", ErrProtocol, cmd[0])
	}

	addr, err := readAddress(r)
	if err != nil {
		return Request{}, err
	}

	var portBuf [2]byte
	if err := readExact(r, portBuf[:]); err != nil {
		return Request{}, fmt.Errorf("%w: reading port: %v", ErrProtocol, err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	if err := expectCRLF(r); err != nil {
		return Request{}, err
	}

	return Request{Addr: addr, Port: port}, nil
}

func readAddress(r io.Reader) (Address, error) {
	var atyp [1]byte
	if err := readExact(r, atyp[:]); err != nil {
		return Address{}, fmt.Errorf("%w: reading address type: %v", ErrProtocol, err)
	}

	switch atyp[0] {
	case atypIPv4:
		b := make([]byte, 4)
		if err := readExact(r, b); err != nil {
			return Address{}, fmt.Errorf("%w: reading ipv4 address: %v", ErrProtocol, err)
		}
		return Address{Kind: KindIPv4, IP: ipv4From(b)}, nil
	case atypDomain:
		var l [1]byte
		if err := readExact(r, l[:]); err != nil {
			return Address{}, fmt.Errorf("%w: reading domain length: %v", ErrProtocol, err)
		}
		if l[0] == 0 {
			return Address{}, fmt.Errorf("%w: zero-length domain", ErrProtocol)
		}
		b := make([]byte, l[0])
		if err := readExact(r, b); err != nil {
			return Address{}, fmt.Errorf("%w: reading domain: %v", ErrProtocol, err)
		}
		return Address{Kind: KindDomain, Domain: string(b)}, nil
	case atypIPv6:
		b := make([]byte, 16)
		if err := readExact(r, b); err != nil {
			return Address{}, fmt.Errorf("%w: reading ipv6 address: %v", ErrProtocol, err)
		}
		return Address{Kind: KindIPv6, IP: ipv6From(b)}, nil
	default:
		return Address{}, fmt.Errorf("%w: unknown address type 0x%02x", ErrProtocol, atyp[0])
	}
}

func expectCRLF(r io.Reader) error {
	var b [2]byte
	if err := readExact(r, b[:]); err != nil {
		return fmt.Errorf("%w: reading CRLF: %v", ErrProtocol, err)
	}
	if b != crlf {
		return fmt.Errorf("%w: expected CRLF, got %#v", ErrProtocol, b)
	}
	return nil
}

func readExact(r io.Reader, b []byte) error {
	_, err := io.ReadFull(r, b)
	return err
}

func ipv4From(b []byte) net.IP {
	ip := make(net.IP, 4)
	copy(ip, b)
	return ip
}

func ipv6From(b []byte) net.IP {
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip
}
