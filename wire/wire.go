// Package wire implements the binary peer-wire protocol (BEP 3): the
// handshake framing and the length-prefixed message framing used by every
// peer session. It contains no session state of its own — every function
// here is a pure encode/decode over bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolIdentifier is the literal protocol string sent in every handshake.
const ProtocolIdentifier = "BitTorrent protocol"

// BlockSize is the default unit of transfer requested from peers.
const BlockSize = 16 * 1024

// MaxRequestLength is the largest block length the upload path will honor.
const MaxRequestLength = 32 * 1024

// HandshakeLen is the fixed size of a handshake frame in bytes.
const HandshakeLen = 49 + len(ProtocolIdentifier)

// MessageType identifies the kind of a peer-wire message.
type MessageType uint8

// Message IDs used by the core. Port (9) is accepted but never acted on.
const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	BitfieldMsg   MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
)

// Message is a decoded peer-wire message. A keep-alive has Payload == nil
// and no meaningful Type; callers tell a keep-alive apart by ReadMessage's
// returned ok value.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handshake is the 68-byte opening exchange identifying protocol, info-hash
// and peer-id.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake frame with zeroed reserved bytes, per §6.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Marshal serializes the handshake to its wire form.
func (h *Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(ProtocolIdentifier))
	copy(buf[1:], ProtocolIdentifier)
	copy(buf[1+len(ProtocolIdentifier):], h.Reserved[:])
	copy(buf[1+len(ProtocolIdentifier)+8:], h.InfoHash[:])
	copy(buf[1+len(ProtocolIdentifier)+8+20:], h.PeerID[:])
	return buf
}

// ErrBadHandshake is returned when the fixed handshake preamble does not
// match the expected protocol identifier.
var ErrBadHandshake = fmt.Errorf("wire: invalid handshake preamble")

// ReadHandshake reads and validates exactly HandshakeLen bytes from r. Byte 0
// must equal 0x13 and bytes 1..20 must equal the literal protocol string;
// any other value is ErrBadHandshake and the caller must close the session.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[0] != byte(len(ProtocolIdentifier)) {
		return nil, ErrBadHandshake
	}
	if string(buf[1:1+len(ProtocolIdentifier)]) != ProtocolIdentifier {
		return nil, ErrBadHandshake
	}
	h := &Handshake{}
	copy(h.Reserved[:], buf[1+len(ProtocolIdentifier):1+len(ProtocolIdentifier)+8])
	copy(h.InfoHash[:], buf[1+len(ProtocolIdentifier)+8:1+len(ProtocolIdentifier)+8+20])
	copy(h.PeerID[:], buf[1+len(ProtocolIdentifier)+8+20:])
	return h, nil
}

// minPayloadLen is the smallest payload the protocol allows for each message
// ID that carries one; IDs absent here take any length (including zero).
var minPayloadLen = map[MessageType]int{
	Have:    4,
	Request: 12,
	Piece:   8,
	Cancel:  12,
}

// ErrMalformedFrame marks a frame whose payload is shorter than its message
// ID requires. The caller drops the frame and keeps the session open; per
// spec.md §7 repeated framing errors are what eventually close a session,
// tracked by the caller, not here.
var ErrMalformedFrame = fmt.Errorf("wire: malformed frame")

// Marshal serializes a message for sending. A Message with Payload == nil
// and Type left at its zero value is never produced by this package for
// keep-alives; use KeepAliveFrame instead.
func (m *Message) Marshal() []byte {
	length := uint32(1 + len(m.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAliveFrame is the 4 zero bytes that signal a keep-alive.
func KeepAliveFrame() []byte {
	return make([]byte, 4)
}

// ReadMessage reads one length-prefixed frame from r. ok is false and err is
// nil for a keep-alive (length-prefix 0, no message). A frame with a known
// ID but too short a payload returns ErrMalformedFrame so the caller can
// drop it without tearing down the connection. Unknown IDs are returned
// as-is; the caller drops them silently per §4.1.
func ReadMessage(r io.Reader) (m *Message, ok bool, err error) {
	lenBuf := make([]byte, 4)
	if _, err = io.ReadFull(r, lenBuf); err != nil {
		return nil, false, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, false, nil
	}
	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, false, err
	}
	msg := &Message{Type: MessageType(body[0]), Payload: body[1:]}
	if want, known := minPayloadLen[msg.Type]; known && len(msg.Payload) < want {
		return nil, false, ErrMalformedFrame
	}
	return msg, true, nil
}

// FormatRequest builds the payload for a request or cancel message.
func FormatRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return payload
}

// FormatHave builds the payload for a have message.
func FormatHave(index uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return payload
}

// FormatPiece builds the payload for a piece message.
func FormatPiece(index, begin uint32, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return payload
}

// ParseRequest extracts (index, begin, length) from a request/cancel payload.
// The caller must have already checked the minimum length.
func ParseRequest(payload []byte) (index, begin, length uint32) {
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	length = binary.BigEndian.Uint32(payload[8:12])
	return
}

// ParsePiece extracts (index, begin, block) from a piece payload.
func ParsePiece(payload []byte) (index, begin uint32, block []byte) {
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	block = payload[8:]
	return
}

// ParseHave extracts the piece index from a have payload.
func ParseHave(payload []byte) uint32 {
	return binary.BigEndian.Uint32(payload)
}

// Bitfield is the compact, MSB-first-per-byte representation of a peer's
// (or our own) verified pieces.
type Bitfield []byte

// NewBitfield allocates a bitfield large enough for numPieces bits.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece reports whether bit index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex, offset := index/8, index%8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece sets bit index, doing nothing if it is out of range.
func (bf Bitfield) SetPiece(index int) {
	byteIndex, offset := index/8, index%8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Indices returns the set bit positions strictly below numPieces, ignoring
// any trailing bits at or beyond numPieces per spec.md §8's boundary rule.
func (bf Bitfield) Indices(numPieces int) []int {
	out := make([]int, 0, numPieces)
	for i := 0; i < numPieces; i++ {
		if bf.HasPiece(i) {
			out = append(out, i)
		}
	}
	return out
}
