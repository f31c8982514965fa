// Package wire implements the mesh connection core's on-the-wire framing:
// the 4-byte message header and the route-entry payload format it carries.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of message a Header introduces.
type Type uint8

const (
	// TypeRouteSet carries the full route table known to the sender. Size is
	// the number of 10-byte entries in the payload.
	TypeRouteSet Type = 1
	// TypeRouteDiff carries an incremental update to the route table. Size is
	// the number of entries; Special selects merge (0) or remove (1) — see
	// doc.go for why this deviates from the original wire format.
	TypeRouteDiff Type = 2
	// TypeEthFrame carries an opaque tunnelled layer-2 frame. Size is the
	// frame length in bytes.
	TypeEthFrame Type = 3
	// TypeBroadcast carries a broadcast frame prefixed by a 32-bit broadcast
	// id. Size is the total payload length (4 + frame length).
	TypeBroadcast Type = 4
	// TypeEchoRequest is a liveness probe. Size is always 0; Special carries
	// the 8-bit nonce.
	TypeEchoRequest Type = 5
	// TypeEchoReply answers a TypeEchoRequest with the same nonce.
	TypeEchoReply Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeRouteSet:
		return "route_set"
	case TypeRouteDiff:
		return "route_diff"
	case TypeEthFrame:
		return "eth_frame"
	case TypeBroadcast:
		return "broadcast"
	case TypeEchoRequest:
		return "echo_request"
	case TypeEchoReply:
		return "echo_reply"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// HeaderSize is the fixed length of an encoded Header.
const HeaderSize = 4

// Header is the 4-byte frame header: type:u8 | special:u8 | size:u16be.
//
// A Header with Type == 0 means "no header has been parsed out of the
// receive queue yet" (see the cachedHeader field of pkg/mesh's Connection).
type Header struct {
	Type    Type
	Special uint8
	Size    uint16
}

// Pending reports whether h represents "no header cached".
func (h Header) Pending() bool {
	return h.Type == 0
}

// Encode appends the encoded header to buf and returns the result.
func (h Header) Encode(buf []byte) []byte {
	var b [HeaderSize]byte
	b[0] = uint8(h.Type)
	b[1] = h.Special
	binary.BigEndian.PutUint16(b[2:], h.Size)
	return append(buf, b[:]...)
}

// DecodeHeader decodes a Header from the first HeaderSize bytes of b. The
// caller must ensure len(b) >= HeaderSize.
func DecodeHeader(b []byte) Header {
	_ = b[3] // bounds check hint
	return Header{
		Type:    Type(b[0]),
		Special: b[1],
		Size:    binary.BigEndian.Uint16(b[2:]),
	}
}

// PayloadLen returns the number of payload bytes that follow h on the wire,
// given the table in spec §4.1. For unknown types this returns false so the
// caller can treat the frame as a protocol violation.
func PayloadLen(h Header) (n int, ok bool) {
	switch h.Type {
	case TypeRouteSet, TypeRouteDiff:
		return int(h.Size) * RouteEntrySize, true
	case TypeEthFrame:
		return int(h.Size), true
	case TypeBroadcast:
		return int(h.Size), true
	case TypeEchoRequest, TypeEchoReply:
		return 0, true
	default:
		return 0, false
	}
}

// EncodeEthFrame encodes a header+payload eth_frame message.
func EncodeEthFrame(buf, frame []byte) []byte {
	buf = Header{Type: TypeEthFrame, Size: uint16(len(frame))}.Encode(buf)
	return append(buf, frame...)
}

// EncodeBroadcast encodes a header+payload broadcast message.
func EncodeBroadcast(buf []byte, broadcastID uint32, frame []byte) []byte {
	buf = Header{Type: TypeBroadcast, Size: uint16(4 + len(frame))}.Encode(buf)
	buf = binary.BigEndian.AppendUint32(buf, broadcastID)
	return append(buf, frame...)
}

// EncodeEcho encodes an echo_request or echo_reply message. t must be
// TypeEchoRequest or TypeEchoReply.
func EncodeEcho(buf []byte, t Type, nonce uint8) []byte {
	return Header{Type: t, Special: nonce}.Encode(buf)
}

// DecodeBroadcast splits a decoded broadcast payload into its id and frame.
func DecodeBroadcast(payload []byte) (id uint32, frame []byte, ok bool) {
	if len(payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(payload), payload[4:], true
}
