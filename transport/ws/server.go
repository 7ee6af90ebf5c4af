package ws

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// CheckOrigin overrides the upgrader's origin policy. Nil allows any
	// origin; on a LAN intercom the browser UI is served from elsewhere.
	CheckOrigin func(r *http.Request) bool
}

func (c *ServerConfig) Defaults() {
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 4096
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Handler upgrades inbound HTTP requests and hands each connection to
// handle as a net.Conn. handle owns the connection's lifetime.
func Handler(cfg ServerConfig, handle func(conn net.Conn)) http.Handler {
	cfg.Defaults()

	logger := slog.Default().With(slog.String("transport", "websocket"))

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     cfg.CheckOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("upgrade failed", slog.Any("err", err))
			return
		}
		logger.Debug("connection upgraded",
			slog.String("remote", ws.RemoteAddr().String()))
		handle(newConn(ws))
	})
}
