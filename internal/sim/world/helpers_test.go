package world

import (
	"context"
	"sync"
	"testing"
	"time"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
)

type sent struct {
	Type   string
	Data   any
	Ignore string
}

type fakeNet struct {
	id     string
	server bool
	sent   []sent
}

func (n *fakeNet) ID() string     { return n.id }
func (n *fakeNet) IsServer() bool { return n.server }
func (n *fakeNet) Send(typ string, data any, ignore string) {
	n.sent = append(n.sent, sent{Type: typ, Data: data, Ignore: ignore})
}

func (n *fakeNet) ofType(typ string) []sent {
	var out []sent
	for _, s := range n.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

// fakeLoader serves cached artifacts from Get and gated ones from Load.
type fakeLoader struct {
	mu     sync.Mutex
	cached map[string]asset.Artifact
	slow   map[string]asset.Artifact
	gates  map[string]chan struct{}
	loads  int
}

func newFakeLoader() *fakeLoader {
	l := &fakeLoader{
		cached: map[string]asset.Artifact{},
		slow:   map[string]asset.Artifact{},
		gates:  map[string]chan struct{}{},
	}
	l.model(asset.CrashBlockRef, asset.CrashBlock())
	return l
}

func (l *fakeLoader) model(ref string, root *scene.Node) {
	l.cached[ref] = asset.NewModel(asset.ModelKind(ref), ref, root)
}

func (l *fakeLoader) script(ref string, s script.Script) {
	l.cached[ref] = asset.NewScript(ref, s)
}

// gated registers a model that is only available through Load once released.
func (l *fakeLoader) gated(ref string, root *scene.Node) chan struct{} {
	gate := make(chan struct{})
	l.slow[ref] = asset.NewModel(asset.ModelKind(ref), ref, root)
	l.gates[ref] = gate
	return gate
}

func (l *fakeLoader) Get(_ asset.Kind, ref string) asset.Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cached[ref]
}

func (l *fakeLoader) Load(ctx context.Context, _ asset.Kind, ref string) (asset.Artifact, error) {
	l.mu.Lock()
	l.loads++
	if a := l.cached[ref]; a != nil {
		l.mu.Unlock()
		return a, nil
	}
	gate, art := l.gates[ref], l.slow[ref]
	l.mu.Unlock()
	if gate == nil {
		return nil, asset.ErrNotFound
	}
	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return art, nil
}

func cube(name string) *scene.Node {
	root := scene.New(name)
	root.Add(scene.NewBox("Body", 1, 1, 1))
	return root
}

type fixture struct {
	w        *World
	net      *fakeNet
	loader   *fakeLoader
	controls *input.Controls
	stage    *Stage
}

func newFixture(t *testing.T, id string, server bool) *fixture {
	t.Helper()
	f := &fixture{
		net:    &fakeNet{id: id, server: server},
		loader: newFakeLoader(),
		stage:  NewStage(),
	}
	if !server {
		f.controls = input.NewControls()
	}
	f.loader.model("asset://cube.yaml", cube("cube"))
	f.w = New(Config{ID: "test", FixedStepHz: 4, NetworkRate: 125 * time.Millisecond}, Deps{
		Blueprints: blueprint.NewStore(),
		Loader:     f.loader,
		Network:    f.net,
		Controls:   f.controls,
		Stage:      f.stage,
	})
	t.Cleanup(f.w.Close)
	return f
}

func (f *fixture) blueprint(t *testing.T, id, model, scriptRef string) {
	t.Helper()
	if err := f.w.AddBlueprint(blueprint.Blueprint{ID: id, Version: 1, Model: model, Script: scriptRef}, false); err != nil {
		t.Fatalf("add blueprint: %v", err)
	}
}

func (f *fixture) app(t *testing.T, id, bp string) *App {
	t.Helper()
	e, err := f.w.AddEntity(protocol.EntityData{ID: id, Type: protocol.EntityTypeApp, Blueprint: bp}, false)
	if err != nil {
		t.Fatalf("add entity: %v", err)
	}
	return e.(*App)
}

func envelope(t *testing.T, typ string, data any) protocol.Envelope {
	t.Helper()
	b, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// checkHot asserts hot membership matches phase listeners or movement.
func checkHot(t *testing.T, a *App) {
	t.Helper()
	want := a.hotEvents > 0 || a.mode == ModeMoving
	if got := a.w.hot.has(a); got != want {
		t.Fatalf("hot=%v want %v (hotEvents=%d mode=%s)", got, want, a.hotEvents, a.mode)
	}
}

func mustBuiltin(t *testing.T, ref string) script.Script {
	t.Helper()
	s, ok := script.Builtins().Lookup(ref)
	if !ok {
		t.Fatalf("missing builtin %s", ref)
	}
	return s
}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}
