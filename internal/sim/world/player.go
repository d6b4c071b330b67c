package world

import (
	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/scene"
)

// Player is a connected participant's avatar entity. It carries no script.
type Player struct {
	w        *World
	data     protocol.EntityData
	position scene.Vec3
	dead     bool
}

func newPlayer(w *World, data protocol.EntityData) *Player {
	if data.Quaternion == ([4]float64{}) {
		data.Quaternion = scene.Identity().Array()
	}
	return &Player{w: w, data: data, position: scene.Vec3FromArray(data.Position)}
}

func (p *Player) ID() string   { return p.data.ID }
func (p *Player) Kind() string { return protocol.EntityTypePlayer }
func (p *Player) Name() string { return p.data.Name }

func (p *Player) Data() protocol.EntityData { return p.data }

func (p *Player) Modify(m protocol.EntityModifiedMsg) {
	if v, ok := m.Position.Get(); ok {
		p.data.Position = v
		p.position = scene.Vec3FromArray(v)
	}
	if v, ok := m.Quaternion.Get(); ok {
		p.data.Quaternion = v
	}
}

// OnEvent drops events; players have no listeners.
func (p *Player) OnEvent(int, events.Name, any, string) {}

func (p *Player) Destroy(local bool) {
	if p.dead {
		return
	}
	p.dead = true
	p.w.unregister(p.data.ID)
	if local {
		p.w.net.Send(protocol.TypeEntityRemoved, p.data.ID, "")
	}
	p.w.bus.Emit(events.Leave, p.data.ID)
}

// MovePlayer updates the local player's position and replicates it.
func (w *World) MovePlayer(pos scene.Vec3) error {
	p, ok := w.entities[w.NetworkID()].(*Player)
	if !ok {
		return ErrNotFound
	}
	p.data.Position = pos.Array()
	p.position = pos
	w.net.Send(protocol.TypeEntityModified, protocol.EntityModifiedMsg{
		ID:       p.data.ID,
		Position: protocol.Value(p.data.Position),
	}, "")
	return nil
}
