package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0"

// Message types.
const (
	TypeHello             = "hello"
	TypeWelcome           = "welcome"
	TypeEntityAdded       = "entityAdded"
	TypeEntityModified    = "entityModified"
	TypeEntityEvent       = "entityEvent"
	TypeEntityRemoved     = "entityRemoved"
	TypeBlueprintAdded    = "blueprintAdded"
	TypeBlueprintModified = "blueprintModified"
	TypeChatAdded         = "chatAdded"
	TypeError             = "error"
)

// Envelope frames every message on the wire. Data is decoded per Type.
type Envelope struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

func DecodeBase(b []byte) (Envelope, error) {
	var m Envelope
	err := json.Unmarshal(b, &m)
	return m, err
}

// Encode wraps data in an envelope of the given type.
func Encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, ProtocolVersion: Version, Data: raw})
}

// DecodeData unmarshals an envelope payload into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: empty data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}
