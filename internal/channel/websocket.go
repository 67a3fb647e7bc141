package channel

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/bcrosbie/gridlink/internal/domain"
)

const maxFrameBytes = 1 << 20

// WebsocketDialer dials the push channel with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, domain.Unavailable("push channel dial failed", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}
