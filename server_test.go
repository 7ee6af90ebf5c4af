package intercom

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hausnet/intercom-go/engine"
	"github.com/hausnet/intercom-go/proto"
)

func startTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	eng, err := engine.New(engine.NewLoopbackPort(), nil, engine.Config{BusRate: proto.SampleRate})
	require.NoError(t, err)

	srv := NewServer("127.0.0.1:0", eng, opts...)
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	awaitCond(t, func() bool { return srv.Addr() != nil }, "server never bound")

	t.Cleanup(func() {
		require.NoError(t, srv.Shutdown())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server run never returned")
		}
	})

	return srv
}

func TestServerAcceptsAndStreams(t *testing.T) {
	srv := startTestServer(t, WithAutoAccept(true))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	peer := newFakePeer(conn)
	defer func() {
		conn.Close()
		<-peer.done
	}()

	peer.send(t, proto.MsgStart, proto.FlagNoRing, []byte("porch"))
	peer.await(t, proto.MsgPong)
	peer.await(t, proto.MsgAudio)
}

func TestServerRejectsSecondCaller(t *testing.T) {
	srv := startTestServer(t, WithAutoAccept(true))

	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	peer := newFakePeer(first)
	defer func() {
		first.Close()
		<-peer.done
	}()

	peer.send(t, proto.MsgStart, proto.FlagNoRing, []byte("porch"))
	peer.await(t, proto.MsgPong)

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	busy := newFakePeer(second)
	defer func() {
		second.Close()
		<-busy.done
	}()

	m := busy.await(t, proto.MsgError)
	require.Equal(t, proto.ErrCodeBusy, proto.ErrorCode(m.payload[0]))
}

func TestServerBusyAcrossIdleSessions(t *testing.T) {
	srv := startTestServer(t, WithAutoAccept(true))

	// Both peers connect while the device is idle; only the first to start
	// a call wins, the other is refused at the protocol level.
	first, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	peer := newFakePeer(first)
	defer func() {
		first.Close()
		<-peer.done
	}()

	second, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	other := newFakePeer(second)
	defer func() {
		second.Close()
		<-other.done
	}()

	awaitCond(t, func() bool { return srv.Stats()["sessions"] == 2 }, "sessions never registered")

	peer.send(t, proto.MsgStart, proto.FlagNoRing, []byte("porch"))
	peer.await(t, proto.MsgPong)

	other.send(t, proto.MsgStart, proto.FlagNoRing, []byte("garage"))
	m := other.await(t, proto.MsgError)
	require.Equal(t, proto.ErrCodeBusy, proto.ErrorCode(m.payload[0]))
}

func TestServerStats(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	peer := newFakePeer(conn)
	defer func() {
		conn.Close()
		<-peer.done
	}()

	awaitCond(t, func() bool { return srv.Stats()["sessions"] == 1 }, "session never registered")

	conn.Close()
	awaitCond(t, func() bool { return srv.Stats()["sessions"] == 0 }, "session never removed")
}

func TestDialAndCallEndToEnd(t *testing.T) {
	srv := startTestServer(t, WithAutoAccept(true))

	eng, err := engine.New(engine.NewLoopbackPort(), nil, engine.Config{BusRate: proto.SampleRate})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := Dial(ctx, srv.Addr().String(), eng, WithDeviceID("porch"))
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(runDone)
	}()
	defer func() {
		sess.Close()
		cancel()
		select {
		case <-runDone:
		case <-time.After(3 * time.Second):
			t.Error("dialer session never returned")
		}
	}()

	require.NoError(t, sess.Call(true))
	awaitState(t, sess, StateStreaming)

	require.NoError(t, sess.Hangup())
	awaitState(t, sess, StateIdle)
}
