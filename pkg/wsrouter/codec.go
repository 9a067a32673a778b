package wsrouter

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	JSONSubprotocol    = "inkroom.json"
	MsgPackSubprotocol = "inkroom.msgpack"
)

var ErrEmptyMessageType = errors.New("empty message type")

// Payload is the undecoded body of a message.
type Payload interface {
	Decode(v any) error
}

// Codec frames {type, payload} messages for one websocket subprotocol.
type Codec interface {
	Subprotocol() string
	FrameType() int
	Encode(messageType string, payload any) ([]byte, error)
	Decode(data []byte) (string, Payload, error)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{JSONSubprotocol, MsgPackSubprotocol}
}

// CodecFor returns the codec negotiated for subprotocol, JSON when none was negotiated.
func CodecFor(subprotocol string) Codec {
	if subprotocol == MsgPackSubprotocol {
		return MsgPack
	}

	return JSON
}

type jsonCodec struct{}

type jsonEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonPayload json.RawMessage

func (p jsonPayload) Decode(v any) error {
	if len(p) == 0 || string(p) == "null" {
		return nil
	}

	return json.Unmarshal(p, v)
}

func (jsonCodec) Subprotocol() string { return JSONSubprotocol }

func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Encode(messageType string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{messageType, payload})
}

func (jsonCodec) Decode(data []byte) (string, Payload, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, err
	}

	if env.Type == "" {
		return "", nil, ErrEmptyMessageType
	}

	return env.Type, jsonPayload(env.Payload), nil
}

// msgpackCodec reuses the json struct tags so payload types need a single set of tags.
type msgpackCodec struct{}

type msgpackPayload msgpack.RawMessage

func (p msgpackPayload) Decode(v any) error {
	if len(p) == 0 {
		return nil
	}

	dec := msgpack.NewDecoder(bytes.NewReader(p))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func (msgpackCodec) Subprotocol() string { return MsgPackSubprotocol }

func (msgpackCodec) FrameType() int { return websocket.BinaryMessage }

func (msgpackCodec) Encode(messageType string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")

	if err := enc.Encode(struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{messageType, payload}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (msgpackCodec) Decode(data []byte) (string, Payload, error) {
	var env struct {
		Type    string             `json:"type"`
		Payload msgpack.RawMessage `json:"payload,omitempty"`
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&env); err != nil {
		return "", nil, err
	}

	if env.Type == "" {
		return "", nil, ErrEmptyMessageType
	}

	return env.Type, msgpackPayload(env.Payload), nil
}
