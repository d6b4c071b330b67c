// Package world is the entity runtime: the registry of networked apps and
// players, the tick scheduler, and the single goroutine that owns all of it.
//
// Everything in this package runs on the loop goroutine. Asynchronous work
// (asset resolution, fetch) runs elsewhere and hands its result back as a
// completion closure that the loop applies.
package world

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"appworld.ai/internal/persistence/snapshot"
	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
)

var (
	ErrNotFound       = errors.New("entity not found")
	ErrExists         = errors.New("entity already exists")
	ErrReservedEvent  = errors.New("reserved event name")
	ErrAuthorityHeld  = errors.New("entity is being moved by another participant")
	ErrNoControls     = errors.New("no input controls on this participant")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Entity is the capability set the registry drives. Apps and players are the
// two implementations.
type Entity interface {
	ID() string
	Kind() string
	Data() protocol.EntityData
	Modify(m protocol.EntityModifiedMsg)
	OnEvent(version int, name events.Name, data any, origin string)
	Destroy(local bool)
}

// Network is the participant's view of the transport. Send is only called
// from the loop goroutine.
type Network interface {
	ID() string
	IsServer() bool
	Send(typ string, data any, ignore string)
}

// Deps are the collaborators a world is wired to.
type Deps struct {
	Blueprints *blueprint.Store
	Loader     asset.Loader
	Network    Network
	// Controls is nil on participants without local input (the server).
	Controls *input.Controls
	Stage    scene.Stage
}

type Inbound struct {
	From string
	Env  protocol.Envelope
}

// JoinRequest admits a participant. Accept runs on the loop goroutine with
// the welcome, before any later broadcast reaches the participant. Reject
// runs instead when the participant could not be admitted.
type JoinRequest struct {
	ID     string
	Name   string
	Accept func(protocol.WelcomeMsg)
	Reject func(error)
}

type World struct {
	cfg Config
	log *log.Logger

	blueprints *blueprint.Store
	loader     asset.Loader
	net        Network
	controls   *input.Controls
	stage      scene.Stage
	http       *http.Client

	bus      *events.Bus
	entities map[string]Entity
	chat     *chatLog

	hot       hotSet
	hotBuf    []Ticker
	fixedAcc  float64
	fixedStep float64
	tick      uint64
	start     time.Time
	clock     func() time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	completions chan func()
	inflight    int

	inbox  chan Inbound
	join   chan JoinRequest
	leave  chan string
	calls  chan func(*World)
	frames chan input.Frame

	staleDiscards uint64

	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.SnapshotV1
}

func New(cfg Config, deps Deps) *World {
	cfg.applyDefaults()
	if deps.Blueprints == nil {
		deps.Blueprints = blueprint.NewStore()
	}
	if deps.Network == nil {
		deps.Network = Offline{}
	}
	if deps.Stage == nil {
		deps.Stage = NewStage()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &World{
		cfg:         cfg,
		log:         cfg.Logger,
		blueprints:  deps.Blueprints,
		loader:      deps.Loader,
		net:         deps.Network,
		controls:    deps.Controls,
		stage:       deps.Stage,
		http:        cfg.HTTPClient,
		bus:         events.NewBus(),
		entities:    map[string]Entity{},
		chat:        newChatLog(cfg.ChatMaxMessages),
		fixedStep:   1 / float64(cfg.FixedStepHz),
		start:       time.Now(),
		clock:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
		completions: make(chan func(), 64),
		inbox:       make(chan Inbound, 1024),
		join:        make(chan JoinRequest, 64),
		leave:       make(chan string, 64),
		calls:       make(chan func(*World), 256),
		frames:      make(chan input.Frame, 8),
	}
}

func (w *World) ID() string                   { return w.cfg.ID }
func (w *World) NetworkID() string            { return w.net.ID() }
func (w *World) IsServer() bool               { return w.net.IsServer() }
func (w *World) Blueprints() *blueprint.Store { return w.blueprints }
func (w *World) Bus() *events.Bus             { return w.bus }
func (w *World) CurrentTick() uint64          { return w.tick }
func (w *World) StaleDiscards() uint64        { return w.staleDiscards }
func (w *World) HotCount() int                { return w.hot.len() }

func (w *World) Inbox() chan<- Inbound                         { return w.inbox }
func (w *World) Join() chan<- JoinRequest                      { return w.join }
func (w *World) Leave() chan<- string                          { return w.leave }
func (w *World) Frames() chan<- input.Frame                    { return w.frames }
func (w *World) Calls() chan<- func(*World)                    { return w.calls }
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetNetwork(n Network)                          { w.net = n }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

// Do runs fn on the loop goroutine.
func (w *World) Do(fn func(*World)) { w.calls <- fn }

// Entity returns a registered entity.
func (w *World) Entity(id string) (Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

// App returns a registered app entity.
func (w *World) App(id string) (*App, bool) {
	a, ok := w.entities[id].(*App)
	return a, ok
}

// Entities returns all entities ordered by id.
func (w *World) Entities() []Entity {
	out := make([]Entity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AddEntity registers an entity from wire data and builds it. Local adds are
// broadcast.
func (w *World) AddEntity(data protocol.EntityData, local bool) (Entity, error) {
	if data.ID == "" {
		return nil, fmt.Errorf("add entity: empty id")
	}
	if _, ok := w.entities[data.ID]; ok {
		return nil, fmt.Errorf("add entity %s: %w", data.ID, ErrExists)
	}
	var e Entity
	switch data.Type {
	case protocol.EntityTypeApp:
		if data.Blueprint == "" {
			return nil, fmt.Errorf("add entity %s: app without blueprint", data.ID)
		}
		a := newApp(w, data)
		w.entities[data.ID] = a
		a.Build(false)
		e = a
	case protocol.EntityTypePlayer:
		p := newPlayer(w, data)
		w.entities[data.ID] = p
		e = p
	default:
		return nil, fmt.Errorf("add entity %s: unknown type %q", data.ID, data.Type)
	}
	if local {
		w.net.Send(protocol.TypeEntityAdded, protocol.EntityAddedMsg{Entity: e.Data()}, "")
	}
	return e, nil
}

// SpawnApp creates a new app instance of a blueprint at pos and broadcasts it.
func (w *World) SpawnApp(blueprintID string, pos scene.Vec3) (*App, error) {
	if _, ok := w.blueprints.Get(blueprintID); !ok {
		return nil, fmt.Errorf("spawn %s: %w", blueprintID, blueprint.ErrNotFound)
	}
	e, err := w.AddEntity(protocol.EntityData{
		ID:         NewEntityID(),
		Type:       protocol.EntityTypeApp,
		Blueprint:  blueprintID,
		Position:   pos.Array(),
		Quaternion: scene.Identity().Array(),
	}, true)
	if err != nil {
		return nil, err
	}
	return e.(*App), nil
}

// RemoveEntity destroys an entity. Local removals are broadcast.
func (w *World) RemoveEntity(id string, local bool) error {
	e, ok := w.entities[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	e.Destroy(local)
	return nil
}

func (w *World) unregister(id string) {
	delete(w.entities, id)
}

// AddBlueprint registers a new blueprint. Local adds are broadcast.
func (w *World) AddBlueprint(bp blueprint.Blueprint, local bool) error {
	stored, err := w.blueprints.Add(bp)
	if err != nil {
		return err
	}
	if local {
		w.net.Send(protocol.TypeBlueprintAdded, protocol.BlueprintMsg{Blueprint: stored.Data()}, "")
	}
	return nil
}

// ModifyBlueprint stores a newer version and rebuilds every app instancing it.
func (w *World) ModifyBlueprint(bp blueprint.Blueprint, local bool) error {
	var (
		stored  *blueprint.Blueprint
		changed = true
		err     error
	)
	if local {
		stored, err = w.blueprints.Modify(bp)
	} else {
		stored, changed, err = w.blueprints.Put(bp)
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if local {
		w.net.Send(protocol.TypeBlueprintModified, protocol.BlueprintMsg{Blueprint: stored.Data()}, "")
	}
	for _, e := range w.Entities() {
		if a, ok := e.(*App); ok && a.data.Blueprint == stored.ID {
			a.Build(false)
		}
	}
	return nil
}

// setHot adds or removes t from the per-tick phase set.
func (w *World) setHot(t Ticker, hot bool) { w.hot.set(t, hot) }

// Tick advances the world by delta seconds: whole fixed steps first, then
// update and lateUpdate once each. Entities that leave the hot set mid-phase
// are skipped for the rest of it.
func (w *World) Tick(delta float64) {
	w.fixedAcc += delta
	steps := 0
	for w.fixedAcc >= w.fixedStep && steps < w.cfg.MaxFixedSteps {
		w.fixedAcc -= w.fixedStep
		steps++
		w.phase(func(t Ticker) { t.FixedUpdate(w.fixedStep) })
	}
	if steps == w.cfg.MaxFixedSteps && w.fixedAcc >= w.fixedStep {
		w.fixedAcc = 0
	}
	w.phase(func(t Ticker) { t.Update(delta) })
	w.phase(func(t Ticker) { t.LateUpdate(delta) })
	w.tick++

	if w.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 && w.tick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		select {
		case w.snapshotSink <- w.Snapshot():
		default:
			w.log.Printf("snapshot sink full, skipping tick %d", w.tick)
		}
	}
}

func (w *World) phase(fn func(Ticker)) {
	w.hotBuf = append(w.hotBuf[:0], w.hot.list...)
	for _, t := range w.hotBuf {
		if w.hot.has(t) {
			fn(t)
		}
	}
}

// async runs work off the loop. The closure it returns is applied on the loop
// by Run or Settle.
func (w *World) async(work func(ctx context.Context) func()) {
	w.inflight++
	go func() {
		apply := work(w.ctx)
		select {
		case w.completions <- apply:
		case <-w.ctx.Done():
		}
	}()
}

// Settle blocks until all outstanding asynchronous work has completed and
// been applied, or the world is closed. It must not be called while Run is
// active.
func (w *World) Settle() {
	for w.inflight > 0 {
		select {
		case apply := <-w.completions:
			w.inflight--
			if apply != nil {
				apply()
			}
		case <-w.ctx.Done():
			// Work still running will not post its completion.
			w.inflight = 0
			return
		}
	}
}

// Run drives ticks at the configured rate and serializes all inbound work.
func (w *World) Run(ctx context.Context) error {
	defer w.cancel()
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()

	w.log.Printf("running: world=%s network_id=%s server=%t tick_rate=%d", w.cfg.ID, w.NetworkID(), w.IsServer(), w.cfg.TickRateHz)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.join:
			w.Admit(req)
		case id := <-w.leave:
			w.Depart(id)
		case in := <-w.inbox:
			if err := w.HandleMessage(in.From, in.Env); err != nil {
				w.log.Printf("message from %s: type=%s: %v", in.From, in.Env.Type, err)
				if r, ok := w.net.(Rejecter); ok {
					r.Reject(in.From, ErrorCode(err), err.Error())
				}
			}
		case apply := <-w.completions:
			w.inflight--
			if apply != nil {
				apply()
			}
		case fn := <-w.calls:
			fn(w)
		case f := <-w.frames:
			if w.controls != nil {
				w.controls.Feed(f)
			}
		case now := <-ticker.C:
			delta := now.Sub(last).Seconds()
			last = now
			w.Tick(delta)
		}
	}
}

// Close cancels outstanding asynchronous work.
func (w *World) Close() { w.cancel() }

func (w *World) now() time.Time { return w.clock() }

// GetTime is seconds since the world started.
func (w *World) GetTime() float64 { return time.Since(w.start).Seconds() }

// Snapshot captures the world for persistence.
func (w *World) Snapshot() snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Tick:    w.tick,
		},
		World: w.Export(),
	}
}

// Export returns the replicated state a joining participant needs.
func (w *World) Export() protocol.WorldSnapshot {
	var out protocol.WorldSnapshot
	for _, bp := range w.blueprints.All() {
		out.Blueprints = append(out.Blueprints, bp.Data())
	}
	for _, e := range w.Entities() {
		out.Entities = append(out.Entities, e.Data())
	}
	out.Chat = w.chat.all()
	return out
}

// Import mirrors a snapshot into an empty or partially populated world.
// Entities that already exist are left untouched.
func (w *World) Import(s protocol.WorldSnapshot) error {
	for _, d := range s.Blueprints {
		if _, _, err := w.blueprints.Put(blueprint.FromData(d)); err != nil {
			return fmt.Errorf("import blueprint %s: %w", d.ID, err)
		}
	}
	for _, d := range s.Entities {
		if _, ok := w.entities[d.ID]; ok {
			continue
		}
		if _, err := w.AddEntity(d, false); err != nil {
			return fmt.Errorf("import: %w", err)
		}
	}
	for _, m := range s.Chat {
		w.chat.add(m)
	}
	return nil
}

// Restore resumes a server world from a persisted snapshot. Players and any
// movement or upload authority they held are dropped; nobody is connected yet.
func (w *World) Restore(snap snapshot.SnapshotV1) error {
	if snap.Header.WorldID != "" && snap.Header.WorldID != w.cfg.ID {
		return fmt.Errorf("restore: snapshot world %s, want %s", snap.Header.WorldID, w.cfg.ID)
	}
	s := snap.World
	s.Entities = nil
	for _, d := range snap.World.Entities {
		if d.Type == protocol.EntityTypePlayer {
			continue
		}
		d.Mover = ""
		d.Uploader = ""
		s.Entities = append(s.Entities, d)
	}
	if err := w.Import(s); err != nil {
		return err
	}
	w.tick = snap.Header.Tick
	return nil
}
