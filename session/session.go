// Package session owns one connected byte stream and turns it into a
// sequence of framed messages: length-prefixed reads and writes with
// resynchronization on the protocol's magic marker, in either blocking or
// non-blocking mode.
//
// The value codec is deliberately kept out of this layer (spec.md §4.2):
// Session deals only in (msg_type, obj_id, payload []byte) tuples.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cout/romp/protocol"
)

// DefaultResyncBudget bounds how many bytes ReadFrame will discard while
// hunting for the magic marker before giving up with a protocol error.
const DefaultResyncBudget = 64 * 1024

// nonblockPollInterval is the deadline granularity used to emulate
// would-block/retry semantics on top of net.Conn in non-blocking mode. It
// stands in for the "cooperative wait primitive" spec.md §4.2 asks for.
const nonblockPollInterval = 10 * time.Millisecond

// ErrPeerDisconnected is returned when a write of a non-empty frame
// completes zero bytes without an error, which spec.md §4.2 treats as an
// I/O failure rather than a benign short write.
var ErrPeerDisconnected = errors.New("session: peer disconnected")

// Session frames one net.Conn. It is safe for one reader and one writer to
// use concurrently (the server dispatch loop is the sole reader; the client
// proxy reads and writes from under its own session mutex), but concurrent
// writers must serialize themselves — WriteFrame only guarantees that a
// single frame is written atomically, not that two overlapping WriteFrame
// calls interleave safely with two overlapping application-level messages.
type Session struct {
	conn         net.Conn
	nonblock     atomic.Bool
	writeMu      sync.Mutex
	resyncBudget int
}

// New wraps conn. The session starts in blocking mode.
func New(conn net.Conn) *Session {
	return &Session{conn: conn, resyncBudget: DefaultResyncBudget}
}

// SetNonblock toggles blocking vs. non-blocking I/O for subsequent
// WriteFrame/ReadFrame calls.
func (s *Session) SetNonblock(v bool) { s.nonblock.Store(v) }

// Conn returns the underlying connection.
func (s *Session) Conn() net.Conn { return s.conn }

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// WriteFrame emits one complete frame: header followed by payload. The
// whole frame is written under a single lock so concurrent WriteFrame
// callers never interleave bytes from two different frames.
func (s *Session) WriteFrame(msgType protocol.MsgType, objID uint16, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	hdr := protocol.EncodeHeader(protocol.Header{
		PayloadLen: uint16(len(payload)),
		MsgType:    msgType,
		ObjID:      objID,
	})
	if err := s.writeAll(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := s.writeAll(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one complete frame, resynchronizing on the magic marker
// if the stream has drifted (spec.md §3 invariant (i)).
func (s *Session) ReadFrame() (protocol.MsgType, uint16, []byte, error) {
	var hdrBuf [protocol.HeaderSize]byte
	if err := s.readFull(hdrBuf[:]); err != nil {
		return 0, 0, nil, err
	}

	hdr, err := protocol.DecodeHeader(hdrBuf[:])
	if errors.Is(err, protocol.ErrBadMagic) {
		hdr, err = s.resync(hdrBuf[:])
	}
	if err != nil {
		return 0, 0, nil, err
	}

	var payload []byte
	if hdr.PayloadLen > 0 {
		payload = make([]byte, hdr.PayloadLen)
		if err := s.readFull(payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return hdr.MsgType, hdr.ObjID, payload, nil
}

// resync slides window one byte at a time until its first two bytes are the
// magic marker, then decodes the resulting 8 bytes as a header. window is
// consumed and must be HeaderSize bytes long.
func (s *Session) resync(window []byte) (protocol.Header, error) {
	win := append([]byte(nil), window...)
	budget := s.resyncBudget
	for {
		if win[0] == byte(protocol.Magic>>8) && win[1] == byte(protocol.Magic&0xFF) {
			hdr, err := protocol.DecodeHeader(win)
			if err == nil {
				return hdr, nil
			}
		}
		if budget <= 0 {
			return protocol.Header{}, &protocol.ProtocolError{Msg: "magic resync budget exhausted"}
		}
		budget--

		copy(win, win[1:])
		var b [1]byte
		if err := s.readFull(b[:]); err != nil {
			return protocol.Header{}, err
		}
		win[len(win)-1] = b[0]
	}
}

func (s *Session) writeAll(data []byte) error {
	for len(data) > 0 {
		s.setWriteDeadline()
		n, err := s.conn.Write(data)
		if err != nil {
			if s.nonblock.Load() && isTimeout(err) {
				continue
			}
			return err
		}
		if n == 0 {
			return ErrPeerDisconnected
		}
		data = data[n:]
	}
	return nil
}

func (s *Session) readFull(buf []byte) error {
	read := 0
	for read < len(buf) {
		s.setReadDeadline()
		n, err := s.conn.Read(buf[read:])
		if err != nil {
			if s.nonblock.Load() && isTimeout(err) {
				continue
			}
			return err
		}
		read += n
	}
	return nil
}

func (s *Session) setReadDeadline() {
	if s.nonblock.Load() {
		s.conn.SetReadDeadline(time.Now().Add(nonblockPollInterval))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *Session) setWriteDeadline() {
	if s.nonblock.Load() {
		s.conn.SetWriteDeadline(time.Now().Add(nonblockPollInterval))
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
