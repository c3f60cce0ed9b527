package conn

import (
	"context"
	"net"

	"github.com/coder/websocket"
	retry "github.com/avast/retry-go/v5"

	"github.com/onkernel/relaycore/lib/wire"
)

// DialOptions configures DialWebSocket.
type DialOptions struct {
	// Codec frames Msg values over the socket; JSONCodec{} if nil.
	Codec wire.Codec
	// RetryAttempts bounds how many times a single generate() call
	// retries the handshake itself before surfacing failure to the
	// supervisor's own backoff ladder. Zero means "try once".
	RetryAttempts uint
}

// DialWebSocket returns a Generator that dials url, retrying the
// handshake itself (via avast/retry-go) up to opts.RetryAttempts times
// before reporting failure - a transient DNS or TLS hiccup resolves
// without tripping the supervisor's full backoff ladder, while a
// genuine outage still falls through to it.
func DialWebSocket(url string, opts DialOptions) Generator {
	return func(ctx context.Context) (wire.Channel, error) {
		var conn *websocket.Conn
		err := retry.Do(
			func() error {
				c, _, dialErr := websocket.Dial(ctx, url, nil)
				if dialErr != nil {
					return dialErr
				}
				conn = c
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(maxUint1(opts.RetryAttempts)),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(100 * 1024 * 1024)
		return wire.NewWebSocketChannel(conn, opts.Codec), nil
	}
}

// TCPDialOptions configures DialTCP.
type TCPDialOptions struct {
	// Codec frames Msg values over the socket; JSONCodec{} if nil.
	Codec wire.Codec
	// RetryAttempts bounds in-generator handshake retries, same role
	// as DialOptions.RetryAttempts.
	RetryAttempts uint
}

// DialTCP returns a Generator that opens a raw TCP connection to
// addr, wrapping it in a length-prefixed wire.TCPChannel. Used where
// the peer is a plain TCP listener rather than a websocket endpoint
// (e.g. the e2e reconnect tests' containerized echo listener).
func DialTCP(addr string, opts TCPDialOptions) Generator {
	return func(ctx context.Context) (wire.Channel, error) {
		var nc net.Conn
		err := retry.Do(
			func() error {
				c, dialErr := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
				if dialErr != nil {
					return dialErr
				}
				nc = c
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(maxUint1(opts.RetryAttempts)),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return nil, err
		}
		return wire.NewTCPChannel(nc, opts.Codec), nil
	}
}

func maxUint1(n uint) uint {
	if n == 0 {
		return 1
	}
	return n
}
