// Package protocol implements the wire framing for romp: the fixed 8-byte
// frame header and the message-type taxonomy that the session and dispatch
// layers build on.
//
// Frame format:
//
//	0      2      4        6        8
//	┌──────┬──────┬────────┬────────┬───────────────┐
//	│magic │ len  │msg_type│ obj_id │    body ...    │
//	│0x4242│ u16  │  u16   │  u16   │  len bytes     │
//	└──────┴──────┴────────┴────────┴───────────────┘
//
// There is no version byte: any change to this layout requires out-of-band
// coordination between client and server (see DESIGN.md).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic precedes every frame on the wire.
const Magic uint16 = 0x4242

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 8

// MsgType identifies the purpose of a frame. Values match the reference
// ROMP wire protocol exactly.
type MsgType uint16

const (
	Request      MsgType = 0x1001 // client -> server: invoke, expect RETVAL/EXCEPTION
	RequestBlock MsgType = 0x1002 // client -> server: invoke, expect interleaved YIELD frames
	Oneway       MsgType = 0x1003 // client -> server: invoke, no reply
	OnewaySync   MsgType = 0x1004 // client -> server: invoke, ack with NULL_MSG before running
	Retval       MsgType = 0x2001 // server -> client: terminating return value
	Exception    MsgType = 0x2002 // server -> client: terminating exception
	Yield        MsgType = 0x2003 // server -> client: one block argument
	Sync         MsgType = 0x4001 // either direction: no-op round trip
	NullMsg      MsgType = 0x4002 // either direction: empty acknowledgement
)

// ObjID values with fixed meaning outside the registry.
const (
	ResolverID        uint16 = 0 // well-known id of the server's name resolver
	SyncRequestObjID  uint16 = 0
	SyncResponseObjID uint16 = 1
)

func (t MsgType) String() string {
	switch t {
	case Request:
		return "REQUEST"
	case RequestBlock:
		return "REQUEST_BLOCK"
	case Oneway:
		return "ONEWAY"
	case OnewaySync:
		return "ONEWAY_SYNC"
	case Retval:
		return "RETVAL"
	case Exception:
		return "EXCEPTION"
	case Yield:
		return "YIELD"
	case Sync:
		return "SYNC"
	case NullMsg:
		return "NULL_MSG"
	default:
		return fmt.Sprintf("MsgType(%#04x)", uint16(t))
	}
}

// Header is the decoded form of a frame's fixed 8-byte preamble.
type Header struct {
	PayloadLen uint16
	MsgType    MsgType
	ObjID      uint16
}

// ErrBadMagic is returned by DecodeHeader when the first two bytes are not
// the magic marker. Callers resync by discarding bytes one at a time (see
// session.Session.ReadFrame); this error alone does not imply a fatal
// protocol violation.
var ErrBadMagic = errors.New("protocol: bad magic")

// EncodeHeader writes h into an 8-byte array in wire order.
func EncodeHeader(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.MsgType))
	binary.BigEndian.PutUint16(buf[6:8], h.ObjID)
	return buf
}

// DecodeHeader parses an 8-byte header. buf must be exactly HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("protocol: header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:2]) != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		PayloadLen: binary.BigEndian.Uint16(buf[2:4]),
		MsgType:    MsgType(binary.BigEndian.Uint16(buf[4:6])),
		ObjID:      binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// ProtocolError marks a fatal, non-retryable session failure: bad magic that
// exhausted its resync budget, an unknown msg_type, or a reply inconsistent
// with the request state. Per spec.md §7, these are fatal to the session and
// are logged, never retried.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }
