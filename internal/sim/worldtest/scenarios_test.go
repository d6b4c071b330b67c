package worldtest

import (
	"math"
	"testing"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
	world "appworld.ai/internal/sim/world"
)

func cubeBP(id, scriptRef string) blueprint.Blueprint {
	return blueprint.Blueprint{ID: id, Version: 1, Model: "asset://cube.yaml", Script: scriptRef}
}

func TestJoin_WelcomeMirrorsWorld(t *testing.T) {
	h := New(t, cubeBP("box", ""))
	alice := h.Join("alice")
	a, err := alice.World.SpawnApp("box", scene.V3(1, 0, 1))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	alice.World.Chat(alice.ID, "alice", "hello", true)
	h.Flush()

	bob := h.Join("bob")
	got := h.App(bob.World, a.ID())
	if got.Mode() != world.ModeActive || got.Root().Position != scene.V3(1, 0, 1) {
		t.Fatalf("mode=%s pos=%+v", got.Mode(), got.Root().Position)
	}
	if msgs := bob.World.ChatMessages(); len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("chat=%+v", msgs)
	}
	h.Flush()
	if _, ok := alice.World.Entity(bob.ID); !ok {
		t.Fatalf("alice did not learn about bob")
	}
	if len(h.Errors) != 0 {
		t.Fatalf("errors: %v", h.Errors)
	}
}

func TestDrag_ReplicatesToObserver(t *testing.T) {
	h := New(t, cubeBP("box", ""))
	alice := h.Join("alice")
	bob := h.Join("bob")
	h.Flush()

	mine, err := alice.World.SpawnApp("box", scene.Vec3{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Flush()
	theirs := h.App(bob.World, mine.ID())

	if err := mine.Move(); err != nil {
		t.Fatalf("move: %v", err)
	}
	h.Flush()
	if theirs.Mode() != world.ModeMoving || theirs.Data().Mover != alice.ID {
		t.Fatalf("observer mode=%s mover=%s", theirs.Mode(), theirs.Data().Mover)
	}
	if err := theirs.Move(); err == nil {
		t.Fatalf("observer should not take held authority")
	}

	target := scene.V3(3, 0, -2)
	const dt = 1.0 / 30
	sent := 0
	for i := 0; i < 12; i++ {
		alice.Controls.Feed(input.Frame{Pointer: input.Pointer{Hit: &target}})
		alice.World.Tick(dt)
		sent += h.Count(alice.ID, protocol.TypeEntityModified)
		h.Deliver()
		h.Deliver()
		bob.World.Tick(dt)
	}
	if sent != 3 {
		t.Fatalf("periodic updates=%d", sent)
	}
	bob.World.Tick(0.125)
	if d := theirs.Root().Position.Sub(target).Len(); d > 1e-9 {
		t.Fatalf("observer did not converge: %+v", theirs.Root().Position)
	}

	alice.Controls.Feed(input.Frame{Pressed: []string{"MouseLeft"}, Pointer: input.Pointer{Hit: &target}})
	alice.World.Tick(dt)
	if n := h.Count(alice.ID, protocol.TypeEntityModified); n != 1 {
		t.Fatalf("placement should be a single message, got %d", n)
	}
	h.Flush()

	for _, w := range []*world.World{h.Server, bob.World, alice.World} {
		a := h.App(w, mine.ID())
		if a.Mode() != world.ModeActive || a.Data().Mover != "" {
			t.Fatalf("%s: mode=%s mover=%q", w.NetworkID(), a.Mode(), a.Data().Mover)
		}
		if a.Root().Position != target {
			t.Fatalf("%s: pos=%+v", w.NetworkID(), a.Root().Position)
		}
		if st := a.Data().State; st == nil || len(st) != 0 {
			t.Fatalf("%s: state=%+v", w.NetworkID(), st)
		}
	}
	if alice.Controls.Len() != 0 {
		t.Fatalf("control not released")
	}
}

func TestEvent_WaitsForNewerBlueprintOnServer(t *testing.T) {
	h := New(t, cubeBP("bp", ""))
	alice := h.Join("alice")
	bob := h.Join("bob")
	h.Flush()

	a, err := alice.World.SpawnApp("bp", scene.Vec3{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	h.Flush()

	next := blueprint.Blueprint{ID: "bp", Model: "asset://door.yaml", Script: script.RefCounter}
	if err := alice.World.ModifyBlueprint(next, true); err != nil {
		t.Fatalf("modify: %v", err)
	}
	alice.World.Settle()
	if a.Version() != 2 {
		t.Fatalf("alice version=%d", a.Version())
	}
	if err := a.Send("ping", nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	h.Deliver()
	srv := h.App(h.Server, a.ID())
	if !srv.Building() || srv.QueuedEvents() != 1 {
		t.Fatalf("server building=%v queued=%d", srv.Building(), srv.QueuedEvents())
	}
	h.Flush()
	if srv.Version() != 2 || srv.QueuedEvents() != 0 {
		t.Fatalf("server version=%d queued=%d", srv.Version(), srv.QueuedEvents())
	}
	if n := script.Number(srv.Data().State["count"], 0); n != 1 {
		t.Fatalf("server count=%v", n)
	}
	if h.App(bob.World, a.ID()).Version() != 2 {
		t.Fatalf("bob did not rebuild")
	}
}

func TestLeave_ReleasesMovement(t *testing.T) {
	h := New(t, cubeBP("box", ""))
	alice := h.Join("alice")
	bob := h.Join("bob")
	h.Flush()
	a, _ := alice.World.SpawnApp("box", scene.Vec3{})
	h.Flush()
	if err := a.Move(); err != nil {
		t.Fatalf("move: %v", err)
	}
	h.Flush()

	h.Leave(alice)
	h.Flush()
	theirs := h.App(bob.World, a.ID())
	if theirs.Mode() != world.ModeActive || theirs.Data().Mover != "" {
		t.Fatalf("mode=%s mover=%q", theirs.Mode(), theirs.Data().Mover)
	}
	if _, ok := bob.World.Entity(alice.ID); ok {
		t.Fatalf("alice's player still present")
	}
}

func TestCrash_IsLocalToParticipant(t *testing.T) {
	h := New(t, cubeBP("bp", script.RefCrasher))
	alice := h.Join("alice")
	a, _ := alice.World.SpawnApp("bp", scene.Vec3{})
	h.Flush()
	if a.Mode() != world.ModeCrashed {
		t.Fatalf("mode=%s", a.Mode())
	}
	if h.App(h.Server, a.ID()).Mode() != world.ModeCrashed {
		t.Fatalf("server mode=%s", h.App(h.Server, a.ID()).Mode())
	}
	if h.Pending() != 0 {
		t.Fatalf("crash should not replicate anything")
	}
	if math.IsNaN(a.Root().Position.X) {
		t.Fatalf("bad transform")
	}
}
