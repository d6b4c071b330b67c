package snapshot

import (
	"path/filepath"
	"testing"

	"appworld.ai/internal/protocol"
)

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := SnapshotV1{
		Header: Header{Version: Version, WorldID: "w1", Tick: 42},
		World: protocol.WorldSnapshot{
			Blueprints: []protocol.BlueprintData{{ID: "bp1", Version: 3, Model: "asset://cube.yaml", Config: map[string]any{"speed": 2.5}}},
			Entities: []protocol.EntityData{{
				ID:         "app1",
				Type:       protocol.EntityTypeApp,
				Blueprint:  "bp1",
				Position:   [3]float64{1, 2, 3},
				Quaternion: [4]float64{0, 0, 0, 1},
				State:      map[string]any{"open": true, "count": 4.0},
			}},
			Chat: []protocol.ChatMessage{{ID: "c1", Body: "hi", CreatedAt: "2026-01-01T00:00:00Z"}},
		},
	}
	path := Path(dir, "w1", 42)
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.WorldID != "w1" || h.Tick != 42 || h.SavedAt == 0 {
		t.Fatalf("header: %+v", h)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.World.Blueprints) != 1 || got.World.Blueprints[0].Version != 3 {
		t.Fatalf("blueprints: %+v", got.World.Blueprints)
	}
	e := got.World.Entities[0]
	if e.Position != [3]float64{1, 2, 3} || e.Blueprint != "bp1" {
		t.Fatalf("entity: %+v", e)
	}
	if open, _ := e.State["open"].(bool); !open {
		t.Fatalf("state: %+v", e.State)
	}
	if len(got.World.Chat) != 1 || got.World.Chat[0].Body != "hi" {
		t.Fatalf("chat: %+v", got.World.Chat)
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if p, err := Latest(dir, "w1"); err != nil || p != "" {
		t.Fatalf("empty: %q %v", p, err)
	}
	for _, tick := range []uint64{10, 200, 30} {
		if err := WriteSnapshot(Path(dir, "w1", tick), SnapshotV1{Header: Header{WorldID: "w1", Tick: tick}}); err != nil {
			t.Fatalf("write %d: %v", tick, err)
		}
	}
	p, err := Latest(dir, "w1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if filepath.Base(p) != "000000000200.snap.zst" {
		t.Fatalf("latest=%s", p)
	}
}
