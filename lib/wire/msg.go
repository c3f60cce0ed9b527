// Package wire defines the abstract Channel primitive the rest of
// relaycore is built on, plus the Msg sentinel union, result handles,
// and error kinds carried across it.
package wire

// Kind tags the meaning of a Msg traveling over a Channel. The close
// and closed-connection sentinels get their own Kind values instead of
// magic payload values sharing a namespace with user data.
type Kind int

const (
	// KindData carries a user request or response payload.
	KindData Kind = iota
	// KindClose is the client-side sentinel requesting shutdown.
	KindClose
	// KindClosedConnection is the sentinel a supervisor publishes once
	// it has been shut down and will never connect again.
	KindClosedConnection
)

// Msg is the unit exchanged over a Channel. Data holds the user
// payload when Kind == KindData; Err is set when the message itself
// represents a transport-carried error (ErrTransport).
type Msg struct {
	Kind Kind
	Data any
	Err  error
}

// Data wraps a user payload as a KindData message.
func Data(v any) Msg { return Msg{Kind: KindData, Data: v} }

// TransportError wraps an error received as a response payload.
func TransportError(err error) Msg { return Msg{Kind: KindData, Err: err} }

// Close is the process-unique close sentinel.
var Close = Msg{Kind: KindClose}

// ClosedConnection is the process-unique closed-connection sentinel.
var ClosedConnection = Msg{Kind: KindClosedConnection}

// IsError reports whether m represents a transport-carried error.
func (m Msg) IsError() bool { return m.Err != nil }
