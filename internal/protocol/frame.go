// Package protocol holds the wire types shared by the broker and the client:
// the websocket frame envelope, message payloads and credential metadata.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Frame types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeMessage               = "message"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeGetHistory            = "getHistory"
	TypeHistory               = "history"
	TypeGetTokenInfo          = "getTokenInfo"
	TypeTokenInfo             = "tokenInfo"
	TypeReauthenticate        = "reauthenticate"
	TypeReauthenticated       = "reauthenticated"
)

// Close codes the broker uses when it drops an authenticated session.
const (
	// CloseCredentialRevoked is sent when the credential of a live session is revoked.
	CloseCredentialRevoked = 4001
	// ClosePolicyViolation mirrors websocket.ClosePolicyViolation.
	ClosePolicyViolation = 1008
)

var codec = sonic.ConfigStd

// Frame is the envelope for every websocket text message in both directions.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with data encoded as its payload. A nil data leaves
// the payload empty.
func NewFrame(typ, id string, data any) (Frame, error) {
	f := Frame{Type: typ, ID: id}
	if data == nil {
		return f, nil
	}
	raw, err := codec.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	f.Data = raw
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to encode.
func MustFrame(typ, id string, data any) Frame {
	f, err := NewFrame(typ, id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// ErrorFrame builds an error frame, echoing id when the error answers a request.
func ErrorFrame(id, reason string) Frame {
	return MustFrame(TypeError, id, ErrorData{Reason: reason})
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	return codec.Marshal(f)
}

// Decode parses a wire frame. Frames without a type are rejected.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := codec.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// Bind decodes the frame payload into v.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := codec.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
