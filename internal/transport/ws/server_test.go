package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/script"
	"appworld.ai/internal/sim/world"
)

const cubeYAML = `
name: cube
children:
  - name: Body
    type: box
    size: [1, 1, 1]
`

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newLoader(t *testing.T) asset.Loader {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cube.yaml"), []byte(cubeYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return asset.NewFileLoader(dir, script.Builtins())
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	store := blueprint.NewStore()
	if _, err := store.Add(blueprint.Blueprint{ID: "box", Version: 1, Model: "asset://cube.yaml"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := world.New(world.Config{ID: "ws"}, world.Deps{Blueprints: store, Loader: newLoader(t)})
	srv := NewServer(w, quietLogger(), 64)
	w.SetNetwork(srv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, name string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, name, 32, quietLogger())
	if err != nil {
		t.Fatalf("dial %s: %v", name, err)
	}
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	env, err := c.ReadEnvelope()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestServer_JoinWelcomeAndRelay(t *testing.T) {
	_, url := startServer(t)
	alice := dial(t, url, "alice")
	if alice.ID() == "" || alice.ID() == ServerID {
		t.Fatalf("network id=%q", alice.ID())
	}
	wm := alice.Welcome()
	if len(wm.Snapshot.Entities) != 1 || wm.Snapshot.Entities[0].Name != "alice" || len(wm.Snapshot.Blueprints) != 1 {
		t.Fatalf("snapshot=%+v", wm.Snapshot)
	}

	bob := dial(t, url, "bob")
	env := next(t, alice)
	var added protocol.EntityAddedMsg
	if env.Type != protocol.TypeEntityAdded || protocol.DecodeData(env, &added) != nil || added.Entity.ID != bob.ID() {
		t.Fatalf("alice got %s %s", env.Type, env.Data)
	}

	alice.Send(protocol.TypeEntityAdded, protocol.EntityAddedMsg{Entity: protocol.EntityData{
		ID: "a1", Type: protocol.EntityTypeApp, Blueprint: "box", Quaternion: [4]float64{0, 0, 0, 1},
	}}, "")
	env = next(t, bob)
	if env.Type != protocol.TypeEntityAdded || protocol.DecodeData(env, &added) != nil || added.Entity.ID != "a1" {
		t.Fatalf("bob got %s %s", env.Type, env.Data)
	}

	alice.Send(protocol.TypeChatAdded, protocol.ChatMessage{ID: "c1", Body: "hi", CreatedAt: "2026-01-01T00:00:00Z"}, "")
	env = next(t, bob)
	var chat protocol.ChatMessage
	if env.Type != protocol.TypeChatAdded || protocol.DecodeData(env, &chat) != nil || chat.FromID != alice.ID() || chat.From != "alice" {
		t.Fatalf("bob got %s %s", env.Type, env.Data)
	}

	bob.Send(protocol.TypeChatAdded, protocol.ChatMessage{ID: "c2", Body: "yo", CreatedAt: "2026-01-01T00:00:01Z"}, "")
	env = next(t, alice)
	if env.Type != protocol.TypeChatAdded || protocol.DecodeData(env, &chat) != nil || chat.ID != "c2" {
		t.Fatalf("alice should only see bob's chat, got %s %s", env.Type, env.Data)
	}
}

func TestServer_RejectsBadProtocolVersion(t *testing.T) {
	_, url := startServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","protocol_version":"0.9","data":{"name":"x"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, _ := protocol.DecodeBase(msg)
	var e protocol.ErrorMsg
	if env.Type != protocol.TypeError || protocol.DecodeData(env, &e) != nil || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("got %s", msg)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed")
	}
}

func TestServer_RefusalsReportedToSender(t *testing.T) {
	_, url := startServer(t)
	alice := dial(t, url, "alice")

	alice.out <- []byte(`{"type":"entityRemoved","protocol_version":"1.0","data":""}`)
	_ = alice.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := alice.ReadEnvelope()
	var se *ServerError
	if !errors.As(err, &se) || se.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("err=%v", err)
	}

	alice.Send(protocol.TypeEntityEvent, protocol.EntityEventMsg{EntityID: "ghost", Version: 1, Name: "ping"}, "")
	_, err = alice.ReadEnvelope()
	if !errors.As(err, &se) || se.Code != protocol.ErrNotFound {
		t.Fatalf("err=%v", err)
	}

	alice.Send(protocol.TypeEntityEvent, protocol.EntityEventMsg{EntityID: alice.ID(), Version: 1, Name: "update"}, "")
	_, err = alice.ReadEnvelope()
	if !errors.As(err, &se) || se.Code != protocol.ErrReservedEvent {
		t.Fatalf("err=%v", err)
	}
}

func TestClient_PumpMirrorsWorld(t *testing.T) {
	_, url := startServer(t)
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	aw := world.New(world.Config{ID: "ws"}, world.Deps{Network: alice, Loader: newLoader(t)})
	if err := aw.Import(alice.Welcome().Snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = aw.Run(ctx) }()
	go func() { _ = alice.Pump(ctx, aw) }()

	bob.Send(protocol.TypeEntityAdded, protocol.EntityAddedMsg{Entity: protocol.EntityData{
		ID: "a1", Type: protocol.EntityTypeApp, Blueprint: "box", Position: [3]float64{2, 0, 0}, Quaternion: [4]float64{0, 0, 0, 1},
	}}, "")

	for {
		found := make(chan bool, 1)
		aw.Do(func(w *world.World) {
			a, ok := w.App("a1")
			found <- ok && a.Mode() == world.ModeActive
		})
		select {
		case ok := <-found:
			if ok {
				return
			}
		case <-ctx.Done():
			t.Fatalf("app never reached alice")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
