package rtm

import (
	"context"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transport is one open duplex connection to the provider endpoint.
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, frame Frame) error
	// Ping sends a transport-level liveness probe with no application semantics.
	Ping(ctx context.Context) error
	// Close performs a graceful shutdown handshake.
	Close() error
	// Kill tears the connection down immediately without a close handshake.
	Kill()
}

// Dialer opens a Transport for a profile using its session artifacts.
type Dialer interface {
	Dial(ctx context.Context, profile ProfileID, artifacts []byte) (Transport, error)
}

// WebsocketDialer dials the provider RTM endpoint over websocket.
type WebsocketDialer struct {
	Endpoint string
}

// Dial opens a websocket to the endpoint with the profile in the query string.
func (d *WebsocketDialer) Dial(ctx context.Context, profile ProfileID, _ []byte) (Transport, error) {
	target, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, err
	}
	query := target.Query()
	query.Set("profile", string(profile))
	target.RawQuery = query.Encode()

	conn, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	var frame Frame
	if err := wsjson.Read(ctx, t.conn, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame Frame) error {
	return wsjson.Write(ctx, t.conn, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "link closed")
}

func (t *wsTransport) Kill() {
	_ = t.conn.CloseNow()
}
