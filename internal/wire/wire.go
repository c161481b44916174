// Package wire implements the fixed-size control message framing used by
// the coherence protocol, plus the variable-length SET_NEW_VALUE payload
// that follows a header of that type.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MsgType identifies the kind of a coherence message. Values match the
// original pbsm wire protocol type codes exactly so the layout stays a
// drop-in replacement for the C++ msg_type_t enum.
type MsgType uint8

const (
	RequestOwnership  MsgType = 1
	GrantOwnership    MsgType = 2
	SetNewOwner       MsgType = 3
	AskCurrentValue   MsgType = 4
	SetNewValue       MsgType = 5
	BarrierBlock      MsgType = 6
	BarrierUnblock    MsgType = 7
	InvalidateCopy    MsgType = 8
	InvalidateCopyAck MsgType = 9
)

func (t MsgType) String() string {
	switch t {
	case RequestOwnership:
		return "REQUEST_OWNERSHIP"
	case GrantOwnership:
		return "GRANT_OWNERSHIP"
	case SetNewOwner:
		return "SET_NEW_OWNER"
	case AskCurrentValue:
		return "ASK_CURRENT_VALUE"
	case SetNewValue:
		return "SET_NEW_VALUE"
	case BarrierBlock:
		return "BARRIER_BLOCK"
	case BarrierUnblock:
		return "BARRIER_UNBLOCK"
	case InvalidateCopy:
		return "INVALIDATE_COPY"
	case InvalidateCopyAck:
		return "INVALIDATE_COPY_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// HeaderSize is the wire size of a Header: 1 byte type + 4 byte id + 8
// byte payload, packed with no padding.
const HeaderSize = 13

// Header is the fixed message frame. Payload is either a node id (for
// ownership/invalidation/ask messages) or a value size (for
// SET_NEW_VALUE), per the message type.
type Header struct {
	Type    MsgType
	ID      uint32
	Payload uint64
}

// NodePayload returns Payload interpreted as a node id.
func (h Header) NodePayload() int { return int(h.Payload) }

// SizePayload returns Payload interpreted as a value size in bytes.
func (h Header) SizePayload() int { return int(h.Payload) }

// Encode writes h into a fresh HeaderSize-byte little-endian buffer.
func Encode(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[1:5], h.ID)
	binary.LittleEndian.PutUint64(buf[5:13], h.Payload)
	return buf
}

// Decode parses a HeaderSize-byte buffer produced by Encode.
func Decode(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Type:    MsgType(buf[0]),
		ID:      binary.LittleEndian.Uint32(buf[1:5]),
		Payload: binary.LittleEndian.Uint64(buf[5:13]),
	}, nil
}

// WriteHeader writes h to w as exactly HeaderSize bytes.
func WriteHeader(w io.Writer, h Header) error {
	_, err := w.Write(Encode(h))
	return err
}

// ReadHeader reads exactly HeaderSize bytes from r and decodes them.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	return Decode(buf)
}

// NewValueHeader builds the header that precedes a SET_NEW_VALUE payload.
func NewValueHeader(id uint32, size int) Header {
	return Header{Type: SetNewValue, ID: id, Payload: uint64(size)}
}

// RequestHeader builds a header for message types whose payload is the
// sending node's id (REQUEST_OWNERSHIP, ASK_CURRENT_VALUE,
// INVALIDATE_COPY, INVALIDATE_COPY_ACK, GRANT_OWNERSHIP).
func RequestHeader(t MsgType, id uint32, node int) Header {
	return Header{Type: t, ID: id, Payload: uint64(node)}
}

// RedirectHeader builds a SET_NEW_OWNER header, whose payload names the
// node the sender believes is the current owner.
func RedirectHeader(id uint32, believedOwner int) Header {
	return Header{Type: SetNewOwner, ID: id, Payload: uint64(believedOwner)}
}

// BarrierHeader builds a BARRIER_BLOCK/BARRIER_UNBLOCK header.
func BarrierHeader(t MsgType, barrierID uint32) Header {
	return Header{Type: t, ID: barrierID}
}
