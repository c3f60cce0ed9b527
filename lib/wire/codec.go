package wire

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/gzip"
)

// wireEnvelope is the on-the-wire JSON shape for a Msg. Data is kept
// as a pre-encoded JSON blob so callers can plug in their own request
// and response payload types; the core stays agnostic to them.
type wireEnvelope struct {
	Kind    Kind            `json:"kind"`
	Data    json.RawMessage `json:"data,omitempty"`
	ErrText string          `json:"err,omitempty"`
}

// Codec encodes and decodes Msg values to and from wire bytes.
// Implementations are supplied by the transport adapter (e.g. the
// websocket Channel); the abstract Channel interface never requires
// one directly.
type Codec interface {
	Encode(m Msg) ([]byte, error)
	Decode(b []byte) (Msg, error)
}

// JSONCodec is the default Codec: JSON envelopes, optionally gzip
// compressed when the encoded size reaches CompressThreshold.
type JSONCodec struct {
	// CompressThreshold is the minimum encoded size, in bytes, before
	// a frame is gzip-compressed. Zero disables compression.
	CompressThreshold int
}

const gzipMagic0, gzipMagic1 = 0x1f, 0x8b

func (c JSONCodec) Encode(m Msg) ([]byte, error) {
	errText := ""
	if m.Err != nil {
		errText = m.Err.Error()
	}
	var rawData json.RawMessage
	if m.Data != nil {
		encoded, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		rawData = encoded
	}
	b, err := json.Marshal(wireEnvelope{Kind: m.Kind, Data: rawData, ErrText: errText})
	if err != nil {
		return nil, err
	}
	if c.CompressThreshold > 0 && len(b) >= c.CompressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(b); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return b, nil
}

func (c JSONCodec) Decode(b []byte) (Msg, error) {
	if len(b) >= 2 && b[0] == gzipMagic0 && b[1] == gzipMagic1 {
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return Msg{}, err
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return Msg{}, err
		}
		b = decoded
	}
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Msg{}, err
	}
	m := Msg{Kind: env.Kind}
	if len(env.Data) > 0 {
		m.Data = env.Data
	}
	if env.ErrText != "" {
		m.Err = errString(env.ErrText)
	}
	return m, nil
}

type errString string

func (e errString) Error() string { return string(e) }
