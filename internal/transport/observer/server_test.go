package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/world"
)

type fixedSessions int

func (f fixedSessions) Sessions() int { return int(f) }

func newRunningWorld(t *testing.T) *world.World {
	t.Helper()
	store := blueprint.NewStore()
	if _, err := store.Add(blueprint.Blueprint{ID: "box", Version: 1, Model: "asset://missing.yaml"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := world.New(world.Config{ID: "obs"}, world.Deps{Blueprints: store})
	if _, err := w.SpawnApp("box", scene.Vec3{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return w
}

func TestStatusHandler(t *testing.T) {
	w := newRunningWorld(t)
	s := NewServer(w, fixedSessions(3), log.New(io.Discard, "", 0))
	ts := httptest.NewServer(s.StatusHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.WorldID != "obs" || st.Sessions != 3 || st.Blueprints != 1 || len(st.Apps) != 1 {
		t.Fatalf("status=%+v", st)
	}
	if st.Apps[0].Blueprint != "box" || st.Apps[0].Mode != "CRASHED" {
		t.Fatalf("app=%+v", st.Apps[0])
	}
}

func TestStatusHandler_RejectsNonLoopback(t *testing.T) {
	s := NewServer(newRunningWorld(t), nil, log.New(io.Discard, "", 0))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	s.StatusHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestWSHandler_PushesStatus(t *testing.T) {
	s := NewServer(newRunningWorld(t), nil, log.New(io.Discard, "", 0))
	s.interval = 10 * time.Millisecond
	ts := httptest.NewServer(s.WSHandler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2; i++ {
		var st Status
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if st.WorldID != "obs" {
			t.Fatalf("status=%+v", st)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v", addr, got)
		}
	}
}
