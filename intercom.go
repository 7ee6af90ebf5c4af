// Package intercom implements a full-duplex voice call session between two
// peers speaking the framed session protocol from package proto, driven by
// the audio pipeline in package engine. A Session owns one transport
// connection and a small call state machine; Server accepts inbound peers,
// Dial opens the initiator side.
package intercom

import "github.com/hausnet/intercom-go/proto"

// State is the call state of a session. Every session starts Idle and
// returns to Idle when the call or the transport ends.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting" // start sent, awaiting the remote ack
	StateRinging    State = "ringing"    // waiting for an answer, local or remote
	StateStreaming  State = "streaming"  // duplex audio flowing
	StateClosing    State = "closing"    // transport tearing down
)

// Reason qualifies a state change on the event surface.
type Reason string

const (
	ReasonCalling         Reason = "calling"
	ReasonIncomingCall    Reason = "incoming-call"
	ReasonRemoteRinging   Reason = "remote-ringing"
	ReasonAnswered        Reason = "answered"
	ReasonDeclined        Reason = "declined"
	ReasonLocalHangup     Reason = "local-hangup"
	ReasonRemoteHangup    Reason = "remote-hangup"
	ReasonRingTimeout     Reason = "ring-timeout"
	ReasonCallFailed      Reason = "call-failed"
	ReasonTransportClosed Reason = "transport-closed"
)

// Event is one notification on a session's event channel. Peer carries the
// remote caller identity where known; Code is set on protocol-level errors.
type Event struct {
	State  State
	Reason Reason
	Peer   string
	Code   proto.ErrorCode
}
