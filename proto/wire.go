package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Session protocol: 4-byte header (type, flags, little-endian payload length)
// followed by the payload.
const (
	DefaultPort = 6054

	HeaderSize = 4

	// MaxAudioChunk bounds a single audio payload. Browser clients may send
	// larger chunks than AudioChunkSize but never beyond this.
	MaxAudioChunk = 2048

	// MaxMessageSize bounds any single message on the session transport.
	MaxMessageSize = HeaderSize + MaxAudioChunk + 64

	MaxPayload = MaxMessageSize - HeaderSize
)

type MsgType uint8

const (
	MsgAudio  MsgType = 0x01 // PCM payload
	MsgStart  MsgType = 0x02 // request to begin streaming
	MsgStop   MsgType = 0x03 // end streaming
	MsgPing   MsgType = 0x04 // liveness probe
	MsgPong   MsgType = 0x05 // liveness response, also acks MsgStart
	MsgError  MsgType = 0x06 // single error code byte payload
	MsgRing   MsgType = 0x07 // waiting for local answer
	MsgAnswer MsgType = 0x08 // answered locally, stream begins
)

func (t MsgType) String() string {
	switch t {
	case MsgAudio:
		return "audio"
	case MsgStart:
		return "start"
	case MsgStop:
		return "stop"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgError:
		return "error"
	case MsgRing:
		return "ring"
	case MsgAnswer:
		return "answer"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

type Flags uint8

const (
	FlagNone Flags = 0x00
	// FlagEnd marks the last packet of a stream.
	FlagEnd Flags = 0x01
	// FlagNoRing on MsgStart asks the receiver to begin streaming
	// immediately instead of ringing for a local answer.
	FlagNoRing Flags = 0x02
)

type ErrorCode uint8

const (
	ErrCodeOK         ErrorCode = 0x00
	ErrCodeBusy       ErrorCode = 0x01 // already streaming with another peer
	ErrCodeInvalidMsg ErrorCode = 0x02 // malformed message
	ErrCodeNotReady   ErrorCode = 0x03 // engine not ready
	ErrCodeInternal   ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeBusy:
		return "busy"
	case ErrCodeInvalidMsg:
		return "invalid message"
	case ErrCodeNotReady:
		return "not ready"
	case ErrCodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("error(0x%02x)", uint8(c))
	}
}

// Header is the fixed prefix of every session protocol message.
type Header struct {
	Type   MsgType
	Flags  Flags
	Length uint16
}

func (h Header) Encode(buf []byte) {
	buf[0] = uint8(h.Type)
	buf[1] = uint8(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
}

func DecodeHeader(buf []byte) Header {
	return Header{
		Type:   MsgType(buf[0]),
		Flags:  Flags(buf[1]),
		Length: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// ErrPayloadTooLarge is returned when a decoded header declares a payload
// exceeding the receiver's buffer. The peer's length is never trusted: the
// receiver must close the connection instead of reading past its buffer.
var ErrPayloadTooLarge = fmt.Errorf("proto: declared payload exceeds receive capacity")

// WriteMessage writes one framed message. Payload may be nil.
func WriteMessage(w io.Writer, typ MsgType, flags Flags, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("proto: payload %d exceeds max %d", len(payload), MaxPayload)
	}
	buf := make([]byte, HeaderSize+len(payload))
	Header{Type: typ, Flags: flags, Length: uint16(len(payload))}.Encode(buf)
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("proto: write %s: %w", typ, err)
	}
	return nil
}

// ReadMessage reads one framed message, placing the payload into buf and
// returning it as a sub-slice. A declared length larger than buf is a
// protocol error; the caller must close the connection.
func ReadMessage(r io.Reader, buf []byte) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, nil, err
	}
	h := DecodeHeader(hdr[:])
	if int(h.Length) > len(buf) {
		return h, nil, ErrPayloadTooLarge
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	if _, err := io.ReadFull(r, buf[:h.Length]); err != nil {
		return h, nil, fmt.Errorf("proto: read %s payload: %w", h.Type, err)
	}
	return h, buf[:h.Length], nil
}
