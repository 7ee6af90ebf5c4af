package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type DialConfig struct {
	URL            string
	ConnectTimeout time.Duration
	Headers        http.Header
}

func (d *DialConfig) Defaults() {
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = 10 * time.Second
	}
}

// Dial connects to a websocket endpoint and returns the byte-stream view
// of the connection.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	cfg.Defaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", cfg.URL, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		ws.Close()
		return nil, fmt.Errorf("ws: unexpected status code: %d", resp.StatusCode)
	}

	return newConn(ws), nil
}
