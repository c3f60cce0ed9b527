package wire

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// wsConn is the subset of *websocket.Conn the adapter needs, narrow
// enough that a fake can stand in for tests without dialing a real
// socket.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WebSocketChannel adapts a coder/websocket connection to the Channel
// interface, framing each Msg through a Codec. Close is monotonic and
// safe to call from multiple goroutines. A physical socket has only
// one real reader, so Fork does not duplicate socket reads; it
// returns a read-only observer that blocks until the socket is marked
// closed, the design note §9 fallback ("a dedicated closed future
// that the transport fulfills on shutdown") for transports where a
// true non-destructive fork is unavailable.
type WebSocketChannel struct {
	conn  wsConn
	codec Codec

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketChannel wraps conn with codec (JSONCodec{} if nil).
func NewWebSocketChannel(conn *websocket.Conn, codec Codec) *WebSocketChannel {
	return newWebSocketChannel(conn, codec)
}

func newWebSocketChannel(conn wsConn, codec Codec) *WebSocketChannel {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &WebSocketChannel{conn: conn, codec: codec, closed: make(chan struct{})}
}

func (c *WebSocketChannel) Enqueue(msg Msg) error {
	select {
	case <-c.closed:
		return ErrEnqueueOnClosed
	default:
	}
	b, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(context.Background(), websocket.MessageBinary, b); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

func (c *WebSocketChannel) Read(ctx context.Context) (Msg, error) {
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Msg{}, ctx.Err()
		}
		// Any other read failure (peer reset, EOF, protocol error) is
		// treated as the channel having drained: a null message whose
		// Channel is now drained signals connection loss to callers.
		c.markClosed()
		return Msg{}, ErrConnectionClosed
	}
	return c.codec.Decode(b)
}

func (c *WebSocketChannel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *WebSocketChannel) Close() error {
	c.markClosed()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *WebSocketChannel) Drained() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Fork returns a read-only observer that reports loss without
// consuming real traffic; see the WebSocketChannel doc comment.
func (c *WebSocketChannel) Fork() Channel {
	return &wsObserver{ch: c}
}

type wsObserver struct{ ch *WebSocketChannel }

func (o *wsObserver) Enqueue(Msg) error { return ErrEnqueueOnClosed }

func (o *wsObserver) Read(ctx context.Context) (Msg, error) {
	select {
	case <-o.ch.closed:
		return Msg{}, ErrConnectionClosed
	case <-ctx.Done():
		return Msg{}, ctx.Err()
	}
}

func (o *wsObserver) Close() error   { return nil }
func (o *wsObserver) Drained() bool  { return o.ch.Drained() }
func (o *wsObserver) Fork() Channel  { return o }
