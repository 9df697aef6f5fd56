package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// wsConn adapts a coder/websocket connection to the Conn interface the
// session machinery runs against.
type wsConn struct {
	conn *websocket.Conn
}

// NewWSConn wraps an accepted WebSocket connection.
func NewWSConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		// The protocol is JSON text frames only.
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code CloseCode, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}
