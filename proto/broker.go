package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Broker protocol: devices dial the rendezvous broker and keep the
// connection open, so two devices can call each other without either
// accepting inbound connections. 12-byte header: type, flags, little-endian
// payload length, little-endian call identifier, little-endian sequence
// number.
const (
	DefaultBrokerPort = 6060

	BrokerHeaderSize = 12

	// MaxBrokerPayload bounds a broker message payload (identity strings,
	// contact lists, audio chunks).
	MaxBrokerPayload = 4096

	MaxDeviceIDLen = 32
	MaxContacts    = 16
)

// Broker timing defaults.
const (
	BrokerCallTimeout  = 30 * time.Second
	BrokerPingInterval = 10 * time.Second
	BrokerReconnect    = 5 * time.Second
)

type BrokerMsgType uint8

const (
	BrokerRegister BrokerMsgType = 0x10 // device -> broker: identity registration
	BrokerInvite   BrokerMsgType = 0x11 // device -> broker: call target device
	BrokerRing     BrokerMsgType = 0x12 // broker -> device: incoming call
	BrokerAnswer   BrokerMsgType = 0x13 // callee -> broker -> caller: accepted
	BrokerDecline  BrokerMsgType = 0x14 // callee -> broker -> caller: rejected
	BrokerHangup   BrokerMsgType = 0x15 // either -> broker: end call
	BrokerBye      BrokerMsgType = 0x16 // broker -> device: call ended by peer
	BrokerAudio    BrokerMsgType = 0x17 // both: PCM during call
	BrokerContacts BrokerMsgType = 0x18 // broker -> device: available devices
	BrokerPing     BrokerMsgType = 0x19
	BrokerPong     BrokerMsgType = 0x1A
	BrokerErrorMsg BrokerMsgType = 0x1B // broker -> device: error code byte
)

func (t BrokerMsgType) String() string {
	switch t {
	case BrokerRegister:
		return "register"
	case BrokerInvite:
		return "invite"
	case BrokerRing:
		return "ring"
	case BrokerAnswer:
		return "answer"
	case BrokerDecline:
		return "decline"
	case BrokerHangup:
		return "hangup"
	case BrokerBye:
		return "bye"
	case BrokerAudio:
		return "audio"
	case BrokerContacts:
		return "contacts"
	case BrokerPing:
		return "ping"
	case BrokerPong:
		return "pong"
	case BrokerErrorMsg:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

type BrokerError uint8

const (
	BrokerErrNotFound BrokerError = 0x01 // target device not connected
	BrokerErrBusy     BrokerError = 0x02 // target device already in a call
	BrokerErrTimeout  BrokerError = 0x03 // call timed out unanswered
	BrokerErrProtocol BrokerError = 0x04
)

func (e BrokerError) String() string {
	switch e {
	case BrokerErrNotFound:
		return "not found"
	case BrokerErrBusy:
		return "busy"
	case BrokerErrTimeout:
		return "timeout"
	case BrokerErrProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("error(0x%02x)", uint8(e))
	}
}

type DeclineReason uint8

const (
	DeclineBusy   DeclineReason = 0x00
	DeclineReject DeclineReason = 0x01
)

// BrokerHeader is the fixed prefix of every broker protocol message.
type BrokerHeader struct {
	Type   BrokerMsgType
	Flags  Flags
	Length uint16
	CallID uint32
	Seq    uint32
}

func (h BrokerHeader) Encode(buf []byte) {
	buf[0] = uint8(h.Type)
	buf[1] = uint8(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint32(buf[4:8], h.CallID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Seq)
}

func DecodeBrokerHeader(buf []byte) BrokerHeader {
	return BrokerHeader{
		Type:   BrokerMsgType(buf[0]),
		Flags:  Flags(buf[1]),
		Length: binary.LittleEndian.Uint16(buf[2:4]),
		CallID: binary.LittleEndian.Uint32(buf[4:8]),
		Seq:    binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// WriteBrokerMessage writes one framed broker message.
func WriteBrokerMessage(w io.Writer, h BrokerHeader, payload []byte) error {
	if len(payload) > MaxBrokerPayload {
		return fmt.Errorf("proto: broker payload %d exceeds max %d", len(payload), MaxBrokerPayload)
	}
	h.Length = uint16(len(payload))
	buf := make([]byte, BrokerHeaderSize+len(payload))
	h.Encode(buf)
	copy(buf[BrokerHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("proto: write broker %s: %w", h.Type, err)
	}
	return nil
}

// ReadBrokerMessage reads one framed broker message into buf, returning the
// payload as a sub-slice. Oversized declared lengths are a protocol error.
func ReadBrokerMessage(r io.Reader, buf []byte) (BrokerHeader, []byte, error) {
	var hdr [BrokerHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return BrokerHeader{}, nil, err
	}
	h := DecodeBrokerHeader(hdr[:])
	if int(h.Length) > len(buf) || int(h.Length) > MaxBrokerPayload {
		return h, nil, ErrPayloadTooLarge
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	if _, err := io.ReadFull(r, buf[:h.Length]); err != nil {
		return h, nil, fmt.Errorf("proto: read broker %s payload: %w", h.Type, err)
	}
	return h, buf[:h.Length], nil
}

// EncodeDeviceID encodes a device identity as NUL-terminated UTF-8.
func EncodeDeviceID(id string) []byte {
	if len(id) > MaxDeviceIDLen {
		id = id[:MaxDeviceIDLen]
	}
	return append([]byte(id), 0)
}

// DecodeDeviceID strips trailing NUL bytes from a wire identity payload.
func DecodeDeviceID(payload []byte) string {
	return string(bytes.TrimRight(payload, "\x00"))
}

// Contact is one entry of a broker contact-list payload (JSON encoded).
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Busy bool   `json:"busy"`
}
