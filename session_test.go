package intercom

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// peerMsg is one decoded message observed by the fake remote peer.
type peerMsg struct {
	hdr     proto.Header
	payload []byte
}

// fakePeer drives the remote end of a net.Pipe by hand, collecting every
// inbound message into per-type channels so tests can await them without
// racing the session's ping and audio traffic.
type fakePeer struct {
	conn net.Conn
	msgs chan peerMsg
	done chan struct{}
}

func newFakePeer(conn net.Conn) *fakePeer {
	p := &fakePeer{
		conn: conn,
		msgs: make(chan peerMsg, 256),
		done: make(chan struct{}),
	}
	go p.readAll()
	return p
}

func (p *fakePeer) readAll() {
	defer close(p.done)
	buf := make([]byte, proto.MaxPayload)
	for {
		h, payload, err := proto.ReadMessage(p.conn, buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), payload...)
		select {
		case p.msgs <- peerMsg{hdr: h, payload: data}:
		default:
		}
	}
}

func (p *fakePeer) send(t *testing.T, typ proto.MsgType, flags proto.Flags, payload []byte) {
	t.Helper()
	require.NoError(t, proto.WriteMessage(p.conn, typ, flags, payload))
}

// await returns the next message of the wanted type, discarding others
// (pings, audio) along the way.
func (p *fakePeer) await(t *testing.T, want proto.MsgType) peerMsg {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-p.msgs:
			if m.hdr.Type == want {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func awaitState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, sess.State())
}

func awaitEvent(t *testing.T, sess *Session, state State, reason Reason) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-sess.Events():
			if evt.State == state && evt.Reason == reason {
				return evt
			}
		case <-deadline:
			t.Fatalf("no event %s/%s", state, reason)
		}
	}
}

func newSessionPair(t *testing.T, opts ...Option) (*Session, *fakePeer, *engine.Engine, *engine.LoopbackPort) {
	t.Helper()

	port := engine.NewLoopbackPort()
	eng, err := engine.New(port, nil, engine.Config{BusRate: proto.SampleRate})
	require.NoError(t, err)

	local, remote := net.Pipe()
	sess := NewSession(local, eng, opts...)
	peer := newFakePeer(remote)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		sess.Close()
		remote.Close()
		select {
		case <-runDone:
		case <-time.After(3 * time.Second):
			t.Error("session run never returned")
		}
		<-peer.done
	})

	return sess, peer, eng, port
}

func TestSessionNoRingCallAnswersImmediately(t *testing.T) {
	sess, peer, eng, port := newSessionPair(t)

	peer.send(t, proto.MsgStart, proto.FlagNoRing, []byte("kitchen"))

	peer.await(t, proto.MsgPong)
	awaitState(t, sess, StateStreaming)
	evt := awaitEvent(t, sess, StateStreaming, ReasonAnswered)
	require.Equal(t, "kitchen", evt.Peer)
	require.True(t, eng.CaptureActive())

	// Inbound audio lands on the playback path.
	chunk := make([]byte, proto.AudioChunkSize)
	for i := range chunk {
		chunk[i] = byte(i%100) + 1
	}
	peer.send(t, proto.MsgAudio, proto.FlagNone, chunk)

	deadline := time.Now().Add(3 * time.Second)
	heard := false
	for time.Now().Before(deadline) && !heard {
		for _, frame := range port.Played() {
			for _, b := range frame {
				if b != 0 {
					heard = true
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, heard, "inbound audio never reached playback")

	// Outbound audio flows as fixed-size chunks.
	m := peer.await(t, proto.MsgAudio)
	require.Equal(t, proto.AudioChunkSize, len(m.payload))

	// Remote hangup returns to idle and releases the capture reference.
	peer.send(t, proto.MsgStop, proto.FlagEnd, nil)
	awaitState(t, sess, StateIdle)
	awaitEvent(t, sess, StateIdle, ReasonRemoteHangup)

	awaitCond(t, func() bool { return !eng.CaptureActive() }, "capture reference never released")
	require.Zero(t, eng.SpeakerBufferAvailable(), "playback ring not reset after hangup")
}

func awaitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionAutoAccept(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t, WithAutoAccept(true))

	peer.send(t, proto.MsgStart, proto.FlagNone, []byte("door"))
	peer.await(t, proto.MsgPong)
	awaitState(t, sess, StateStreaming)
}

func TestSessionRingAcceptFlow(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t)

	peer.send(t, proto.MsgStart, proto.FlagNone, []byte("door"))
	peer.await(t, proto.MsgRing)
	awaitState(t, sess, StateRinging)
	awaitEvent(t, sess, StateRinging, ReasonIncomingCall)

	require.NoError(t, sess.Accept())
	peer.await(t, proto.MsgAnswer)
	awaitState(t, sess, StateStreaming)
}

func TestSessionRingDeclineFlow(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t)

	peer.send(t, proto.MsgStart, proto.FlagNone, []byte("door"))
	peer.await(t, proto.MsgRing)
	awaitState(t, sess, StateRinging)

	require.NoError(t, sess.Decline(proto.ErrCodeBusy))
	m := peer.await(t, proto.MsgError)
	require.Equal(t, proto.ErrCodeBusy, proto.ErrorCode(m.payload[0]))
	awaitState(t, sess, StateIdle)
	awaitEvent(t, sess, StateIdle, ReasonDeclined)
}

func TestSessionAcceptWithoutCall(t *testing.T) {
	sess, _, _, _ := newSessionPair(t)
	require.ErrorIs(t, sess.Accept(), ErrNotRinging)
	require.ErrorIs(t, sess.Decline(proto.ErrCodeBusy), ErrNotRinging)
}

func TestSessionOutboundCall(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t, WithDeviceID("porch"))

	require.NoError(t, sess.Call(false))
	m := peer.await(t, proto.MsgStart)
	require.Equal(t, "porch", string(m.payload))
	require.Zero(t, m.hdr.Flags&proto.FlagNoRing)
	awaitState(t, sess, StateConnecting)

	peer.send(t, proto.MsgRing, proto.FlagNone, nil)
	awaitState(t, sess, StateRinging)
	awaitEvent(t, sess, StateRinging, ReasonRemoteRinging)

	peer.send(t, proto.MsgAnswer, proto.FlagNone, nil)
	awaitState(t, sess, StateStreaming)

	require.NoError(t, sess.Hangup())
	peer.await(t, proto.MsgStop)
	awaitState(t, sess, StateIdle)

	// A second call is allowed on the same transport.
	require.NoError(t, sess.Call(true))
	m = peer.await(t, proto.MsgStart)
	require.NotZero(t, m.hdr.Flags&proto.FlagNoRing)
}

func TestSessionNoRingCallAckedByPong(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t, WithDeviceID("porch"))

	require.NoError(t, sess.Call(true))
	peer.await(t, proto.MsgStart)

	peer.send(t, proto.MsgPong, proto.FlagNone, nil)
	awaitState(t, sess, StateStreaming)
}

func TestSessionCallWhileBusy(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t)

	peer.send(t, proto.MsgStart, proto.FlagNoRing, nil)
	peer.await(t, proto.MsgPong)
	awaitState(t, sess, StateStreaming)

	require.ErrorIs(t, sess.Call(false), ErrNotIdle)

	// A second remote start while streaming is refused, call unaffected.
	peer.send(t, proto.MsgStart, proto.FlagNoRing, []byte("other"))
	m := peer.await(t, proto.MsgError)
	require.Equal(t, proto.ErrCodeBusy, proto.ErrorCode(m.payload[0]))
	require.Equal(t, StateStreaming, sess.State())
}

func TestSessionRingTimeout(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t, WithRingTimeout(50*time.Millisecond))

	require.NoError(t, sess.Call(false))
	peer.await(t, proto.MsgStart)

	peer.await(t, proto.MsgStop)
	awaitState(t, sess, StateIdle)
	awaitEvent(t, sess, StateIdle, ReasonRingTimeout)
}

func TestSessionRemoteError(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t)

	require.NoError(t, sess.Call(false))
	peer.await(t, proto.MsgStart)

	peer.send(t, proto.MsgError, proto.FlagNone, []byte{byte(proto.ErrCodeBusy)})
	awaitState(t, sess, StateIdle)
	evt := awaitEvent(t, sess, StateIdle, ReasonCallFailed)
	require.Equal(t, proto.ErrCodeBusy, evt.Code)
}

func TestSessionPingPong(t *testing.T) {
	_, peer, _, _ := newSessionPair(t)

	peer.send(t, proto.MsgPing, proto.FlagNone, nil)
	peer.await(t, proto.MsgPong)
}

func TestSessionOversizedPayloadCloses(t *testing.T) {
	sess, peer, _, _ := newSessionPair(t)

	hdr := make([]byte, proto.HeaderSize)
	hdr[0] = byte(proto.MsgAudio)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(proto.MaxPayload+1))
	_, err := peer.conn.Write(hdr)
	require.NoError(t, err)

	m := peer.await(t, proto.MsgError)
	require.Equal(t, proto.ErrCodeInvalidMsg, proto.ErrorCode(m.payload[0]))
	awaitState(t, sess, StateIdle)
}
