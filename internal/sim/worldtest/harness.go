// Package worldtest wires a server world and client worlds together through
// an in-memory transport, so multi-participant behavior can be driven and
// inspected deterministically from tests.
package worldtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/script"
	world "appworld.ai/internal/sim/world"
)

const ServerID = "server"

// Models written to the harness asset directory.
var Models = map[string]string{
	"cube.yaml": `
name: cube
children:
  - name: Body
    type: box
    size: [1, 1, 1]
`,
	"door.yaml": `
name: door
children:
  - name: Frame
    type: box
    size: [1, 2, 0.1]
  - name: Door
    type: box
    size: [0.9, 1.9, 0.05]
`,
}

type frame struct {
	from string
	to   string
	raw  []byte
}

// Harness owns one server and any number of clients. Frames sent by any
// participant queue until Flush delivers them.
type Harness struct {
	T        *testing.T
	AssetDir string
	Server   *world.World
	Clients  map[string]*Client

	queue []frame
	// Errors collects HandleMessage failures in delivery order.
	Errors []error
}

type Client struct {
	ID       string
	World    *world.World
	Controls *input.Controls
}

type link struct {
	h      *Harness
	id     string
	server bool
}

func (l *link) ID() string     { return l.id }
func (l *link) IsServer() bool { return l.server }

func (l *link) Send(typ string, data any, ignore string) {
	raw, err := protocol.Encode(typ, data)
	if err != nil {
		l.h.T.Fatalf("%s: encode %s: %v", l.id, typ, err)
	}
	if err := protocol.ValidateFrame(raw); err != nil {
		l.h.T.Fatalf("%s: invalid %s frame: %v (%s)", l.id, typ, err, raw)
	}
	if !l.server {
		l.h.queue = append(l.h.queue, frame{from: l.id, to: ServerID, raw: raw})
		return
	}
	for id := range l.h.Clients {
		if id == ignore {
			continue
		}
		l.h.queue = append(l.h.queue, frame{from: ServerID, to: id, raw: raw})
	}
}

// New starts a server world seeded with blueprints.
func New(t *testing.T, bps ...blueprint.Blueprint) *Harness {
	t.Helper()
	dir := t.TempDir()
	for name, body := range Models {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	h := &Harness{T: t, AssetDir: dir, Clients: map[string]*Client{}}
	store := blueprint.NewStore()
	for _, bp := range bps {
		if _, err := store.Add(bp); err != nil {
			t.Fatalf("seed %s: %v", bp.ID, err)
		}
	}
	h.Server = world.New(world.Config{ID: "harness", NetworkRate: 125 * time.Millisecond}, world.Deps{
		Blueprints: store,
		Loader:     asset.NewFileLoader(dir, script.Builtins()),
		Network:    &link{h: h, id: ServerID, server: true},
	})
	t.Cleanup(h.Server.Close)
	return h
}

// Join admits a participant and mirrors the welcome snapshot into a fresh
// client world with its own asset cache.
func (h *Harness) Join(name string) *Client {
	h.T.Helper()
	id := world.NewNetworkID()
	var welcome *protocol.WelcomeMsg
	h.Server.Admit(world.JoinRequest{ID: id, Name: name, Accept: func(w protocol.WelcomeMsg) { welcome = &w }})
	if welcome == nil || welcome.NetworkID != id {
		h.T.Fatalf("join %s: no welcome", name)
	}
	c := &Client{ID: id, Controls: input.NewControls()}
	c.World = world.New(world.Config{
		ID:          "harness",
		NetworkRate: time.Duration(welcome.NetworkRateMs) * time.Millisecond,
	}, world.Deps{
		Loader:   asset.NewFileLoader(h.AssetDir, script.Builtins()),
		Network:  &link{h: h, id: id},
		Controls: c.Controls,
	})
	h.T.Cleanup(c.World.Close)
	if err := c.World.Import(welcome.Snapshot); err != nil {
		h.T.Fatalf("import welcome: %v", err)
	}
	h.Clients[id] = c
	c.World.Settle()
	return c
}

// Leave disconnects a client.
func (h *Harness) Leave(c *Client) {
	delete(h.Clients, c.ID)
	h.Server.Depart(c.ID)
}

// Pending is the number of undelivered frames.
func (h *Harness) Pending() int { return len(h.queue) }

// Deliver hands every queued frame to its recipient without settling
// asynchronous work, and returns how many were delivered.
func (h *Harness) Deliver() int {
	h.T.Helper()
	n := 0
	for len(h.queue) > 0 {
		f := h.queue[0]
		h.queue = h.queue[1:]
		target := h.world(f.to)
		if target == nil {
			continue
		}
		env, err := protocol.DecodeBase(f.raw)
		if err != nil {
			h.T.Fatalf("decode: %v", err)
		}
		if err := target.HandleMessage(f.from, env); err != nil {
			h.Errors = append(h.Errors, err)
		}
		n++
	}
	return n
}

// Settle completes outstanding asynchronous work on every participant.
func (h *Harness) Settle() {
	h.Server.Settle()
	for _, c := range h.Clients {
		c.World.Settle()
	}
}

// Flush delivers and settles until no frames remain.
func (h *Harness) Flush() {
	h.T.Helper()
	for {
		h.Settle()
		if h.Deliver() == 0 && len(h.queue) == 0 {
			h.Settle()
			if len(h.queue) == 0 {
				return
			}
		}
	}
}

// Count returns queued frames of typ from a participant.
func (h *Harness) Count(from, typ string) int {
	n := 0
	for _, f := range h.queue {
		if f.from != from {
			continue
		}
		env, err := protocol.DecodeBase(f.raw)
		if err == nil && env.Type == typ {
			n++
		}
	}
	return n
}

func (h *Harness) world(id string) *world.World {
	if id == ServerID {
		return h.Server
	}
	if c, ok := h.Clients[id]; ok {
		return c.World
	}
	return nil
}

// Tick advances every participant by delta.
func (h *Harness) Tick(delta float64) {
	h.Server.Tick(delta)
	for _, c := range h.Clients {
		c.World.Tick(delta)
	}
}

// App returns an app on a participant, failing the test when missing.
func (h *Harness) App(w *world.World, id string) *world.App {
	h.T.Helper()
	a, ok := w.App(id)
	if !ok {
		h.T.Fatalf("app %s missing on %s", id, w.NetworkID())
	}
	return a
}
