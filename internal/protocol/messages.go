package protocol

import (
	"encoding/json"
	"fmt"
)

// hello (client -> server)
type HelloMsg struct {
	Name     string `json:"name"`
	MaxQueue int    `json:"max_queue,omitempty"`
}

// welcome (server -> client)
type WelcomeMsg struct {
	NetworkID      string        `json:"network_id"`
	NetworkRateMs  int           `json:"network_rate_ms"`
	ServerTimeUnix int64         `json:"server_time_unix"`
	Snapshot       WorldSnapshot `json:"snapshot"`
}

// WorldSnapshot is what a new participant needs to mirror the world.
type WorldSnapshot struct {
	Blueprints []BlueprintData `json:"blueprints"`
	Entities   []EntityData    `json:"entities"`
	Chat       []ChatMessage   `json:"chat,omitempty"`
}

type BlueprintData struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Model   string         `json:"model"`
	Script  string         `json:"script,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

const (
	EntityTypeApp    = "app"
	EntityTypePlayer = "player"
)

type EntityData struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Blueprint  string         `json:"blueprint,omitempty"`
	Name       string         `json:"name,omitempty"`
	Position   [3]float64     `json:"position"`
	Quaternion [4]float64     `json:"quaternion"`
	Mover      string         `json:"mover,omitempty"`
	Uploader   string         `json:"uploader,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// entityModified: any subset of fields. Presence of blueprint, uploader, mover
// or state triggers a rebuild on receipt.
type EntityModifiedMsg struct {
	ID         string                   `json:"id"`
	Blueprint  Nullable[string]         `json:"blueprint,omitzero"`
	Uploader   Nullable[string]         `json:"uploader,omitzero"`
	Mover      Nullable[string]         `json:"mover,omitzero"`
	Position   Nullable[[3]float64]     `json:"position,omitzero"`
	Quaternion Nullable[[4]float64]     `json:"quaternion,omitzero"`
	State      Nullable[map[string]any] `json:"state,omitzero"`
}

// entityEvent travels as a positional array: [entityId, blueprintVersion, name, payload].
type EntityEventMsg struct {
	EntityID string
	Version  int
	Name     string
	Data     any
}

func (m EntityEventMsg) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{m.EntityID, m.Version, m.Name, m.Data})
}

func (m *EntityEventMsg) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) < 3 || len(parts) > 4 {
		return fmt.Errorf("entityEvent: want 3 or 4 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &m.EntityID); err != nil {
		return fmt.Errorf("entityEvent id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &m.Version); err != nil {
		return fmt.Errorf("entityEvent version: %w", err)
	}
	if err := json.Unmarshal(parts[2], &m.Name); err != nil {
		return fmt.Errorf("entityEvent name: %w", err)
	}
	m.Data = nil
	if len(parts) == 4 {
		if err := json.Unmarshal(parts[3], &m.Data); err != nil {
			return fmt.Errorf("entityEvent payload: %w", err)
		}
	}
	return nil
}

type ChatMessage struct {
	ID        string `json:"id"`
	FromID    string `json:"from_id,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type BlueprintMsg struct {
	Blueprint BlueprintData `json:"blueprint"`
}

type EntityAddedMsg struct {
	Entity EntityData `json:"entity"`
}
