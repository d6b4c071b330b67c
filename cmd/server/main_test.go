package main

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

	"appworld.ai/internal/persistence/indexdb"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/world"
	"appworld.ai/internal/transport/observer"
)

type recordingAudit struct {
	n   int
	err error
}

func (r *recordingAudit) WriteAudit(world.AuditEntry) error {
	r.n++
	return r.err
}

func TestMultiAuditLogger_TeesAndIgnoresErrors(t *testing.T) {
	a := &recordingAudit{err: errors.New("disk full")}
	b := &recordingAudit{}
	m := multiAuditLogger{a: a, b: b}
	if err := m.WriteAudit(world.AuditEntry{Action: "BUILD"}); err != nil {
		t.Fatalf("err=%v", err)
	}
	if a.n != 1 || b.n != 1 {
		t.Fatalf("a=%d b=%d", a.n, b.n)
	}
	if err := (multiAuditLogger{a: a}).WriteAudit(world.AuditEntry{}); err != nil {
		t.Fatalf("nil sink: %v", err)
	}
}

func TestSeedBlueprints_IndexVersionsWin(t *testing.T) {
	dir := t.TempDir()
	catalog := filepath.Join(dir, "blueprints.yaml")
	if err := os.WriteFile(catalog, []byte("blueprints:\n  - id: door\n    model: asset://door.yaml\n    script: door\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.RecordBlueprint(blueprint.Blueprint{ID: "door", Version: 3, Model: "asset://door.yaml", Script: "door", Config: map[string]any{"speed": 2.0}})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	idx, err = indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	store := blueprint.NewStore()
	if err := seedBlueprints(context.Background(), store, catalog, idx, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	bp, ok := store.Get("door")
	if !ok || bp.Version != 3 {
		t.Fatalf("door=%+v", bp)
	}
	if err := seedBlueprints(context.Background(), blueprint.NewStore(), filepath.Join(dir, "missing.yaml"), nil, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("missing catalog should be tolerated: %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	w := world.New(world.Config{ID: "m"}, world.Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	rec := httptest.NewRecorder()
	metricsHandler(observer.NewServer(w, nil, log.New(io.Discard, "", 0)), "m")(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{`appworld_world_tick{world="m"}`, `appworld_apps{world="m",mode="CRASHED"} 0`} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("APPWORLD_TEST_FLAG", "false")
	if envBool("APPWORLD_TEST_FLAG", true) {
		t.Fatalf("explicit false ignored")
	}
	t.Setenv("APPWORLD_TEST_FLAG", "nope")
	if !envBool("APPWORLD_TEST_FLAG", true) {
		t.Fatalf("garbage should fall back to default")
	}
}
