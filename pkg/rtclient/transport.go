package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrServerClosed is returned by Conn.Receive when the server ended the
// session on purpose. The manager does not reconnect after it.
var ErrServerClosed = errors.New("rtclient: closed by server")

// Frame is the JSON envelope exchanged with the server.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at,omitempty"`
}

// Transport opens connections.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one live connection.
type Conn interface {
	Send(f Frame) error
	// Receive blocks for the next frame. Any error ends the connection.
	Receive() (Frame, error)
	Close() error
}

// WebSocket dials a gorilla/websocket endpoint, sending the token as a
// bearer Authorization header.
type WebSocket struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

func (w WebSocket) Dial(ctx context.Context, token string) (Conn, error) {
	d := w.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	hdr := http.Header{}
	for k, v := range w.Header {
		hdr[k] = append([]string(nil), v...)
	}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := d.DialContext(ctx, w.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c  *websocket.Conn
	wm sync.Mutex
}

func (w *wsConn) Send(f Frame) error {
	w.wm.Lock()
	defer w.wm.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.c.WriteJSON(f)
}

func (w *wsConn) Receive() (Frame, error) {
	var f Frame
	err := w.c.ReadJSON(&f)
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return Frame{}, ErrServerClosed
	}
	return f, err
}

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}
