// Package wsstream presents a message-oriented WebSocket connection as a
// bidirectional byte stream, so it can be handed to code written against
// io.Reader/io.Writer — in particular, the Trojan preamble parser and a
// bidirectional TCP copy loop.
package wsstream

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextFrame is returned when a text frame arrives; the tunnel only
// speaks binary.
var ErrTextFrame = errors.New("wsstream: unexpected text frame")

// Upgrader re-exports gorilla's upgrader so callers don't need to import
// gorilla/websocket directly just to upgrade a request.
type Upgrader = websocket.Upgrader

// Stream adapts a *websocket.Conn into an io.ReadWriter. Reads return
// whatever is left over from the most recently received binary frame before
// blocking for the next one; writes each become one binary frame.
type Stream struct {
	conn    *websocket.Conn
	bufsize int
	pending []byte // bytes read off the wire but not yet delivered to Read
}

// New wraps conn. bufsize bounds the size of any single inbound frame the
// adapter will accept, which in turn bounds this connection's read-side
// memory use.
func New(conn *websocket.Conn, bufsize int) *Stream {
	conn.SetReadLimit(int64(bufsize))
	return &Stream{conn: conn, bufsize: bufsize}
}

// Unread pushes b back so that the next Read calls return it before any new
// frame is consulted. Used to give back bytes a caller read ahead of where
// it logically needed to stop (e.g. during preamble parsing).
func (s *Stream) Unread(b []byte) {
	if len(b) == 0 {
		return
	}
	merged := make([]byte, 0, len(b)+len(s.pending))
	merged = append(merged, b...)
	merged = append(merged, s.pending...)
	s.pending = merged
}

// Read implements io.Reader. It never blocks if pending bytes are already
// buffered; otherwise it waits for the next WebSocket frame event.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// fill blocks for the next frame event and stores its payload as pending.
func (s *Stream) fill() error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				return io.EOF
			}
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			s.pending = data
			return nil
		case websocket.TextMessage:
			return ErrTextFrame
		case websocket.CloseMessage:
			return io.EOF
		default:
			continue
		}
	}
}

// Write implements io.Writer, sending p as a single binary frame.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection immediately, without sending a
// close frame. Used to unblock a pending Read from the other half of a
// bidirectional copy once one side has already finished.
func (s *Stream) Close() error {
	return s.conn.Close()
}

const closeDeadline = 2 * time.Second

// CloseNormal sends a 1000 "Normal closure" close frame and closes the
// underlying connection.
func (s *Stream) CloseNormal() error {
	return s.closeWithCode(websocket.CloseNormalClosure, "Normal closure")
}

// CloseInternalError sends a 1011 "Internal error or connection failure"
// close frame and closes the underlying connection.
func (s *Stream) CloseInternalError() error {
	return s.closeWithCode(websocket.CloseInternalServerErr, "Internal error or connection failure")
}

func (s *Stream) closeWithCode(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeDeadline))
	return s.conn.Close()
}
