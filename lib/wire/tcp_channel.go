package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// TCPChannel adapts a raw net.Conn to the Channel interface, framing
// each Msg as a 4-byte big-endian length prefix followed by the
// Codec's encoded bytes - TCP, unlike the websocket transport, has no
// built-in message boundaries. Grounded on WebSocketChannel's
// closed/markClosed/Fork shape: a stream has exactly one real reader,
// so Fork here returns the same read-only-observer-on-close fallback
// the design note §9 allows.
type TCPChannel struct {
	conn  net.Conn
	r     *bufio.Reader
	codec Codec

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPChannel wraps conn with codec (JSONCodec{} if nil).
func NewTCPChannel(conn net.Conn, codec Codec) *TCPChannel {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &TCPChannel{conn: conn, r: bufio.NewReader(conn), codec: codec, closed: make(chan struct{})}
}

func (c *TCPChannel) Enqueue(msg Msg) error {
	select {
	case <-c.closed:
		return ErrEnqueueOnClosed
	default:
	}
	b, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(lenPrefix[:]); err != nil {
		c.markClosed()
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		c.markClosed()
		return err
	}
	return nil
}

func (c *TCPChannel) Read(ctx context.Context) (Msg, error) {
	type result struct {
		m   Msg
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
			resCh <- result{err: err}
			return
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		b := make([]byte, n)
		if _, err := io.ReadFull(c.r, b); err != nil {
			resCh <- result{err: err}
			return
		}
		m, err := c.codec.Decode(b)
		resCh <- result{m: m, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			c.markClosed()
			return Msg{}, ErrConnectionClosed
		}
		return res.m, nil
	case <-ctx.Done():
		return Msg{}, ctx.Err()
	}
}

func (c *TCPChannel) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *TCPChannel) Close() error {
	c.markClosed()
	return c.conn.Close()
}

func (c *TCPChannel) Drained() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Fork returns a read-only observer blocking on the closed signal; see
// the TCPChannel doc comment.
func (c *TCPChannel) Fork() Channel {
	return &tcpObserver{ch: c}
}

type tcpObserver struct{ ch *TCPChannel }

func (o *tcpObserver) Enqueue(Msg) error { return ErrEnqueueOnClosed }

func (o *tcpObserver) Read(ctx context.Context) (Msg, error) {
	select {
	case <-o.ch.closed:
		return Msg{}, ErrConnectionClosed
	case <-ctx.Done():
		return Msg{}, ctx.Err()
	}
}

func (o *tcpObserver) Close() error  { return nil }
func (o *tcpObserver) Drained() bool { return o.ch.Drained() }
func (o *tcpObserver) Fork() Channel { return o }
