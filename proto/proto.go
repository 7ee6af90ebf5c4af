// Package proto defines the intercom wire protocols: the session protocol
// spoken between two peers (or peer and browser) on one audio transport, and
// the broker protocol spoken between devices and the rendezvous relay.
//
// Both protocols are length-prefixed binary streams. Every message starts
// with a fixed header followed by an optional payload. Audio payloads are
// raw PCM: 16 kHz, 16-bit signed, mono, little-endian.
package proto

import gonanoid "github.com/matoous/go-nanoid/v2"

// Audio format carried by both protocols.
const (
	SampleRate    = 16000
	BitsPerSample = 16
	Channels      = 1

	// AudioChunkSize is the canonical per-message audio payload in bytes:
	// 256 samples, 16ms at 16kHz.
	AudioChunkSize  = 512
	SamplesPerChunk = AudioChunkSize / 2
	ChunkDurationMs = 16
)

// ID generates a new session identifier.
func ID() string {
	id, _ := gonanoid.New()
	return id
}
