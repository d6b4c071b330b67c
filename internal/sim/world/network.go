package world

import (
	"errors"
	"fmt"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/events"
)

// Rejecter is implemented by networks that can report a refused message back
// to its sender.
type Rejecter interface {
	Reject(peer, code, message string)
}

// ErrorCode maps a HandleMessage error to a wire error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, blueprint.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, ErrReservedEvent):
		return protocol.ErrReservedEvent
	case errors.Is(err, ErrExists), errors.Is(err, ErrAuthorityHeld), errors.Is(err, blueprint.ErrExists), errors.Is(err, blueprint.ErrStale):
		return protocol.ErrConflict
	case errors.Is(err, ErrUnknownMessage):
		return protocol.ErrProtoBadRequest
	default:
		return protocol.ErrBadRequest
	}
}

// HandleMessage applies one inbound message from participant from. On the
// server, accepted replicated changes are relayed to everyone else; entity
// events are not, scripts relay them explicitly with Send.
func (w *World) HandleMessage(from string, env protocol.Envelope) error {
	var relay any
	switch env.Type {
	case protocol.TypeEntityAdded:
		var m protocol.EntityAddedMsg
		if err := protocol.DecodeData(env, &m); err != nil {
			return err
		}
		if w.IsServer() && m.Entity.Type == protocol.EntityTypePlayer {
			return fmt.Errorf("entityAdded: players join through hello")
		}
		if _, err := w.AddEntity(m.Entity, false); err != nil {
			return err
		}
		if m.Entity.Type == protocol.EntityTypePlayer {
			w.bus.Emit(events.Enter, m.Entity.ID)
		}
		relay = env.Data

	case protocol.TypeEntityModified:
		var m protocol.EntityModifiedMsg
		if err := protocol.DecodeData(env, &m); err != nil {
			return err
		}
		e, ok := w.entities[m.ID]
		if !ok {
			return fmt.Errorf("entityModified %s: %w", m.ID, ErrNotFound)
		}
		if w.IsServer() && e.Kind() == protocol.EntityTypePlayer && m.ID != from {
			return fmt.Errorf("entityModified %s: not the sender's player", m.ID)
		}
		e.Modify(m)
		relay = env.Data

	case protocol.TypeEntityEvent:
		var m protocol.EntityEventMsg
		if err := protocol.DecodeData(env, &m); err != nil {
			return err
		}
		name := events.Name(m.Name)
		if name.Reserved() {
			return fmt.Errorf("entityEvent %s: %q: %w", m.EntityID, m.Name, ErrReservedEvent)
		}
		e, ok := w.entities[m.EntityID]
		if !ok {
			return fmt.Errorf("entityEvent %s: %w", m.EntityID, ErrNotFound)
		}
		e.OnEvent(m.Version, name, m.Data, from)

	case protocol.TypeEntityRemoved:
		var id string
		if err := protocol.DecodeData(env, &id); err != nil {
			return err
		}
		e, ok := w.entities[id]
		if !ok {
			return fmt.Errorf("entityRemoved %s: %w", id, ErrNotFound)
		}
		if w.IsServer() && e.Kind() == protocol.EntityTypePlayer {
			return fmt.Errorf("entityRemoved %s: players leave by disconnecting", id)
		}
		e.Destroy(false)
		relay = env.Data

	case protocol.TypeBlueprintAdded, protocol.TypeBlueprintModified:
		var m protocol.BlueprintMsg
		if err := protocol.DecodeData(env, &m); err != nil {
			return err
		}
		bp := blueprint.FromData(m.Blueprint)
		var err error
		if env.Type == protocol.TypeBlueprintAdded {
			err = w.AddBlueprint(bp, false)
			if errors.Is(err, blueprint.ErrExists) && !w.IsServer() {
				err = w.ModifyBlueprint(bp, false)
			}
		} else {
			err = w.ModifyBlueprint(bp, false)
		}
		if err != nil {
			return err
		}
		relay = env.Data

	case protocol.TypeChatAdded:
		var m protocol.ChatMessage
		if err := protocol.DecodeData(env, &m); err != nil {
			return err
		}
		if w.IsServer() {
			m.FromID = from
			if p, ok := w.entities[from].(*Player); ok {
				m.From = p.data.Name
			}
		}
		if !w.receiveChat(m) {
			return nil
		}
		relay = m

	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, env.Type)
	}

	if relay != nil && w.IsServer() {
		w.net.Send(env.Type, relay, from)
	}
	return nil
}

// Admit registers a joining participant's player and welcomes it. Run calls
// it for requests on Join.
func (w *World) Admit(req JoinRequest) {
	id := req.ID
	if id == "" {
		id = NewNetworkID()
	}
	data := protocol.EntityData{
		ID:   id,
		Type: protocol.EntityTypePlayer,
		Name: req.Name,
	}
	e, err := w.AddEntity(data, false)
	if err != nil {
		w.log.Printf("join %s: %v", id, err)
		if req.Reject != nil {
			req.Reject(err)
		}
		return
	}
	w.net.Send(protocol.TypeEntityAdded, protocol.EntityAddedMsg{Entity: e.Data()}, id)
	if req.Accept != nil {
		req.Accept(protocol.WelcomeMsg{
			NetworkID:      id,
			NetworkRateMs:  int(w.cfg.NetworkRate.Milliseconds()),
			ServerTimeUnix: w.now().Unix(),
			Snapshot:       w.Export(),
		})
	}
	w.bus.Emit(events.Enter, id)
	w.log.Printf("join: id=%s name=%q players=%d", id, req.Name, w.playerCount())
}

// Depart removes a departed participant's player and releases any
// movement or upload authority it held.
func (w *World) Depart(id string) {
	for _, e := range w.Entities() {
		a, ok := e.(*App)
		if !ok {
			continue
		}
		m := protocol.EntityModifiedMsg{ID: a.data.ID}
		if a.data.Mover == id {
			m.Mover = protocol.Null[string]()
		}
		if a.data.Uploader == id {
			m.Uploader = protocol.Null[string]()
		}
		if m.Mover.Set || m.Uploader.Set {
			a.Modify(m)
			w.net.Send(protocol.TypeEntityModified, m, "")
		}
	}
	if p, ok := w.entities[id].(*Player); ok {
		p.Destroy(true)
	}
	w.log.Printf("leave: id=%s players=%d", id, w.playerCount())
}

func (w *World) playerCount() int {
	n := 0
	for _, e := range w.entities {
		if _, ok := e.(*Player); ok {
			n++
		}
	}
	return n
}
