package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hausnet/intercom-go/proto"
)

func startEchoServer(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(Handler(ServerConfig{}, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, proto.MaxPayload)
		for {
			h, payload, err := proto.ReadMessage(conn, buf)
			if err != nil {
				return
			}
			if err := proto.WriteMessage(conn, h.Type, h.Flags, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnCarriesFramedProtocol(t *testing.T) {
	url := startEchoServer(t)

	conn, err := Dial(context.Background(), DialConfig{URL: url})
	require.NoError(t, err)
	defer conn.Close()

	chunk := make([]byte, proto.AudioChunkSize)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	require.NoError(t, proto.WriteMessage(conn, proto.MsgAudio, proto.FlagEnd, chunk))

	buf := make([]byte, proto.MaxPayload)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	h, payload, err := proto.ReadMessage(conn, buf)
	require.NoError(t, err)
	require.Equal(t, proto.MsgAudio, h.Type)
	require.Equal(t, proto.FlagEnd, h.Flags)
	require.Equal(t, chunk, payload)
}

func TestConnReassemblesAcrossMessages(t *testing.T) {
	url := startEchoServer(t)

	conn, err := Dial(context.Background(), DialConfig{URL: url})
	require.NoError(t, err)
	defer conn.Close()

	// Two frames go out as two websocket messages; the stream view must
	// deliver them back to back through a smaller read buffer.
	require.NoError(t, proto.WriteMessage(conn, proto.MsgPing, proto.FlagNone, nil))
	require.NoError(t, proto.WriteMessage(conn, proto.MsgPong, proto.FlagNone, nil))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make([]byte, 0, 2*proto.HeaderSize)
	one := make([]byte, 3)
	for len(got) < 2*proto.HeaderSize {
		n, err := conn.Read(one)
		require.NoError(t, err)
		got = append(got, one[:n]...)
	}

	first := proto.DecodeHeader(got[:proto.HeaderSize])
	second := proto.DecodeHeader(got[proto.HeaderSize:])
	require.Equal(t, proto.MsgPing, first.Type)
	require.Equal(t, proto.MsgPong, second.Type)
}

func TestDialRejectsBadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := Dial(context.Background(), DialConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		ConnectTimeout: time.Second,
	})
	require.Error(t, err)
}
