package world

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/asset"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
)

type Mode uint8

const (
	ModeLoading Mode = iota + 1
	ModeActive
	ModeMoving
	ModeCrashed
)

func (m Mode) String() string {
	switch m {
	case ModeLoading:
		return "LOADING"
	case ModeActive:
		return "ACTIVE"
	case ModeMoving:
		return "MOVING"
	case ModeCrashed:
		return "CRASHED"
	default:
		return "NONE"
	}
}

// buildToken scopes one build generation. Asset resolution runs under its
// context; once committed, fetches issued by the running script share it and
// unbuild cancels it.
type buildToken struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func newBuildToken(parent context.Context, gen uint64) *buildToken {
	ctx, cancel := context.WithCancel(parent)
	return &buildToken{gen: gen, ctx: ctx, cancel: cancel}
}

type buildJob struct {
	id        string
	tok       *buildToken
	blueprint *blueprint.Blueprint
	crashed   bool
	uploading bool
}

type buildResult struct {
	root    *scene.Node
	script  script.Script
	crashed bool
}

type queuedEvent struct {
	version int
	name    events.Name
	data    any
	origin  string
}

var errNotCached = errors.New("not cached")

// App is a networked instance of a blueprint.
type App struct {
	w    *World
	data protocol.EntityData

	gen      uint64
	pending  *buildToken
	token    *buildToken
	building bool
	dead     bool

	mode      Mode
	blueprint *blueprint.Blueprint
	root      *scene.Node
	script    script.Script
	crashed   bool

	listeners      events.Registry
	hotEvents      int
	worldListeners map[events.Handle]events.Name
	worldNodes     map[*scene.Node]struct{}
	control        *input.Control
	configure      script.ConfigureFunc
	fetches        int

	queue []queuedEvent

	lastMoveSend float64
	netPos       *scene.LerpVec3
	netQuat      *scene.LerpQuat
}

func newApp(w *World, data protocol.EntityData) *App {
	if data.Quaternion == ([4]float64{}) {
		data.Quaternion = scene.Identity().Array()
	}
	data.State = maps.Clone(data.State)
	return &App{
		w:              w,
		data:           data,
		worldListeners: map[events.Handle]events.Name{},
		worldNodes:     map[*scene.Node]struct{}{},
	}
}

func (a *App) ID() string   { return a.data.ID }
func (a *App) Kind() string { return protocol.EntityTypeApp }

func (a *App) Data() protocol.EntityData {
	d := a.data
	d.State = maps.Clone(a.data.State)
	return d
}

func (a *App) Mode() Mode              { return a.mode }
func (a *App) Generation() uint64      { return a.gen }
func (a *App) Building() bool          { return a.building }
func (a *App) Dead() bool              { return a.dead }
func (a *App) Root() *scene.Node       { return a.root }
func (a *App) Crashed() bool           { return a.crashed }
func (a *App) Listeners() int          { return a.listeners.Len() }
func (a *App) WorldListeners() int     { return len(a.worldListeners) }
func (a *App) PendingFetches() int     { return a.fetches }
func (a *App) QueuedEvents() int       { return len(a.queue) }
func (a *App) Control() *input.Control { return a.control }

// Version is the blueprint version of the committed build, 0 before the first.
func (a *App) Version() int {
	if a.blueprint == nil {
		return 0
	}
	return a.blueprint.Version
}

// ConfigFields returns the fields registered by the running script.
func (a *App) ConfigFields() []script.ConfigField {
	if a.configure == nil {
		return nil
	}
	return a.configure()
}

// Build starts a new build generation. It commits synchronously when every
// artifact is cached, otherwise resolution continues off the loop and the
// result commits only if no newer build has started since.
func (a *App) Build(crashed bool) {
	if a.dead {
		return
	}
	a.gen++
	if a.pending != nil {
		a.pending.cancel()
	}
	tok := newBuildToken(a.w.ctx, a.gen)
	a.pending = tok
	a.building = true

	job := &buildJob{
		id:        a.data.ID,
		tok:       tok,
		crashed:   crashed,
		uploading: a.data.Uploader != "" && a.data.Uploader != a.w.NetworkID(),
	}
	if bp, ok := a.w.blueprints.Get(a.data.Blueprint); ok {
		job.blueprint = bp
	} else {
		a.w.log.Printf("app %s: blueprint %s not found", a.data.ID, a.data.Blueprint)
		job.blueprint = &blueprint.Blueprint{ID: a.data.Blueprint, Model: asset.CrashBlockRef}
		job.crashed = true
	}

	if a.w.loader == nil {
		a.commit(job, buildResult{root: asset.CrashBlock(), crashed: true})
		return
	}
	res, err := a.resolve(job, func(kind asset.Kind, ref string) (asset.Artifact, error) {
		if art := a.w.loader.Get(kind, ref); art != nil {
			return art, nil
		}
		return nil, errNotCached
	})
	if err == nil {
		a.commit(job, res)
		return
	}
	loader := a.w.loader
	a.w.async(func(context.Context) func() {
		res, _ := a.resolve(job, func(kind asset.Kind, ref string) (asset.Artifact, error) {
			return loader.Load(tok.ctx, kind, ref)
		})
		return func() { a.commit(job, res) }
	})
}

// resolve looks up the script and model for job. It runs on or off the loop
// and only touches job and its own result. errNotCached from fetch aborts.
func (a *App) resolve(job *buildJob, fetch func(asset.Kind, string) (asset.Artifact, error)) (buildResult, error) {
	res := buildResult{crashed: job.crashed}
	bp := job.blueprint
	id := job.id

	if bp.Script != "" && !res.crashed {
		art, err := fetch(asset.KindScript, bp.Script)
		switch {
		case errors.Is(err, errNotCached):
			return res, err
		case err != nil:
			a.w.log.Printf("app %s: script %s: %v", id, bp.Script, err)
			res.crashed = true
		default:
			if s, ok := art.(*asset.Script); ok && s.Script != nil {
				res.script = s.Script
			} else {
				a.w.log.Printf("app %s: %s is not a script", id, bp.Script)
				res.crashed = true
			}
		}
	}

	if job.uploading {
		res.root = scene.NewBox("placeholder", 1, 1, 1)
	} else if !res.crashed {
		art, err := fetch(asset.ModelKind(bp.Model), bp.Model)
		switch {
		case errors.Is(err, errNotCached):
			return res, err
		case err != nil:
			a.w.log.Printf("app %s: model %s: %v", id, bp.Model, err)
			res.crashed = true
		default:
			if m, ok := art.(*asset.Model); ok {
				res.root = m.ToNodes()
			} else {
				a.w.log.Printf("app %s: %s is not a model", id, bp.Model)
				res.crashed = true
			}
		}
	}

	if res.crashed || res.root == nil {
		res.script = nil
		art, err := fetch(asset.KindModel, asset.CrashBlockRef)
		switch {
		case errors.Is(err, errNotCached):
			return res, err
		case err == nil:
			if m, ok := art.(*asset.Model); ok {
				res.root = m.ToNodes()
			}
		}
		if res.root == nil {
			res.root = asset.CrashBlock()
		}
	}
	return res, nil
}

func (a *App) commit(job *buildJob, res buildResult) {
	if a.dead || job.tok.gen != a.gen {
		job.tok.cancel()
		a.w.staleDiscards++
		return
	}
	a.pending = nil
	a.unbuild()

	self := a.w.NetworkID()
	switch {
	case job.uploading:
		a.mode = ModeLoading
	case a.data.Mover != "":
		a.mode = ModeMoving
	case res.crashed:
		a.mode = ModeCrashed
	default:
		a.mode = ModeActive
	}
	a.blueprint = job.blueprint
	a.crashed = res.crashed
	a.root = res.root
	a.root.Position = scene.Vec3FromArray(a.data.Position)
	a.root.Quaternion = scene.QuatFromArray(a.data.Quaternion).Normalize()
	a.root.Activate(a.w.stage, a.data.ID, a.data.Mover == "")
	a.token = job.tok
	a.netPos = scene.NewLerpVec3(&a.root.Position, a.w.cfg.NetworkRate.Seconds())
	a.netQuat = scene.NewLerpQuat(&a.root.Quaternion, a.w.cfg.NetworkRate.Seconds())

	a.w.audit(AuditEntry{
		EntityID:   a.data.ID,
		Action:     "BUILD",
		Generation: a.gen,
		Mode:       a.mode.String(),
		Blueprint:  a.blueprint.ID,
		Version:    a.blueprint.Version,
	})

	if a.mode == ModeActive && res.script != nil {
		a.script = res.script
		if err := a.exec(); err != nil {
			a.w.log.Printf("app %s: script %s: %v", a.data.ID, a.blueprint.Script, err)
			a.crash(err)
			return
		}
		if a.gen != job.tok.gen {
			return
		}
	}

	if a.mode == ModeMoving && a.data.Mover == self && a.w.controls != nil {
		a.lastMoveSend = 0
		a.control = a.w.controls.Bind(input.Options{Priority: input.PriorityEntity, Owner: a.data.ID})
	}
	a.updateHot()

	a.flush()
	if a.gen == job.tok.gen {
		a.building = false
	}
}

func (a *App) exec() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p := &AppProxy{app: a, gen: a.gen}
	return a.script.Exec(&WorldProxy{app: a, gen: a.gen}, p, a.fetch(a.gen))
}

// unbuild tears down everything the committed build owns. The next build
// starts from a clean slate: no nodes, listeners, control or fetches.
func (a *App) unbuild() {
	if a.root != nil {
		a.root.Deactivate()
	}
	for n := range a.worldNodes {
		n.Deactivate()
	}
	clear(a.worldNodes)
	a.listeners.Clear()
	a.hotEvents = 0
	for h, name := range a.worldListeners {
		a.w.bus.Off(name, h)
	}
	clear(a.worldListeners)
	if a.control != nil {
		a.control.Release()
		a.control = nil
	}
	if a.token != nil {
		a.token.cancel()
		a.token = nil
	}
	a.fetches = 0
	a.script = nil
	a.configure = nil
	a.w.setHot(a, false)
}

// crash rebuilds with the crash block after a script failure.
func (a *App) crash(cause error) {
	a.w.audit(AuditEntry{
		EntityID:   a.data.ID,
		Action:     "CRASH",
		Generation: a.gen,
		Blueprint:  a.data.Blueprint,
		Reason:     cause.Error(),
	})
	// The failed context stops receiving events even if the crash block
	// still has to load.
	a.unbuild()
	a.Build(true)
}

// guard runs a script callback, converting a panic into a crash.
func (a *App) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s: panic: %v", what, r)
			a.w.log.Printf("app %s: %v", a.data.ID, err)
			a.crash(err)
		}
	}()
	fn()
}

func (a *App) emit(ev events.Event) {
	if a.listeners.Count(ev.Name) == 0 {
		return
	}
	a.guard(string(ev.Name), func() { a.listeners.Emit(ev) })
}

func (a *App) on(name events.Name, fn events.Handler) events.Handle {
	h := a.listeners.On(name, fn)
	if name.Phase() {
		a.hotEvents++
		a.updateHot()
	}
	return h
}

func (a *App) off(name events.Name, h events.Handle) {
	if a.listeners.Off(name, h) && name.Phase() {
		a.hotEvents--
		a.updateHot()
	}
}

func (a *App) updateHot() {
	a.w.setHot(a, !a.dead && (a.hotEvents > 0 || a.mode == ModeMoving))
}

// OnEvent receives a networked event stamped with the sender's blueprint
// version. Events for a version this participant has not built yet wait in
// arrival order until it has.
func (a *App) OnEvent(version int, name events.Name, data any, origin string) {
	if a.dead {
		return
	}
	if a.building || a.blueprint == nil || version > a.blueprint.Version {
		a.queue = append(a.queue, queuedEvent{version: version, name: name, data: data, origin: origin})
		return
	}
	a.emit(events.Event{Name: name, Data: data, Origin: origin})
}

func (a *App) flush() {
	gen := a.gen
	for len(a.queue) > 0 && a.gen == gen && !a.dead {
		ev := a.queue[0]
		if ev.version > a.blueprint.Version {
			return
		}
		a.queue = a.queue[1:]
		a.emit(events.Event{Name: ev.name, Data: ev.data, Origin: ev.origin})
	}
}

// send broadcasts a networked app event stamped with the built version.
func (a *App) send(name events.Name, data any, ignore string) error {
	if name.Reserved() {
		a.rejectReserved(name)
		return fmt.Errorf("send %q: %w", name, ErrReservedEvent)
	}
	a.w.net.Send(protocol.TypeEntityEvent, protocol.EntityEventMsg{
		EntityID: a.data.ID,
		Version:  a.Version(),
		Name:     string(name),
		Data:     data,
	}, ignore)
	return nil
}

// Send broadcasts a networked event on behalf of this participant.
func (a *App) Send(name events.Name, data any) error {
	if a.dead {
		return ErrNotFound
	}
	return a.send(name, data, "")
}

func (a *App) rejectReserved(name events.Name) {
	a.w.log.Printf("app %s: reserved event %q cannot be emitted", a.data.ID, name)
	a.w.audit(AuditEntry{EntityID: a.data.ID, Action: "REJECT_EVENT", Reason: string(name)})
}

// Modify applies a replicated partial update. Identity-affecting fields
// (blueprint, uploader, mover, state) rebuild; transforms feed interpolation
// while a remote participant is moving the app.
func (a *App) Modify(m protocol.EntityModifiedMsg) {
	if a.dead {
		return
	}
	rebuild := false
	if m.Blueprint.Set {
		a.data.Blueprint = m.Blueprint.V
		rebuild = true
	}
	if m.Uploader.Set {
		a.data.Uploader = m.Uploader.V
		rebuild = true
	}
	if m.Mover.Set {
		a.data.Mover = m.Mover.V
		rebuild = true
	}
	if m.State.Set {
		a.data.State = maps.Clone(m.State.V)
		rebuild = true
	}
	if v, ok := m.Position.Get(); ok {
		a.data.Position = v
		if !rebuild && a.root != nil {
			if a.mode == ModeMoving {
				a.netPos.Push(scene.Vec3FromArray(v))
			} else {
				a.root.Position = scene.Vec3FromArray(v)
			}
		}
	}
	if v, ok := m.Quaternion.Get(); ok {
		a.data.Quaternion = v
		if !rebuild && a.root != nil {
			if a.mode == ModeMoving {
				a.netQuat.Push(scene.QuatFromArray(v))
			} else {
				a.root.Quaternion = scene.QuatFromArray(v).Normalize()
			}
		}
	}
	if rebuild {
		a.Build(false)
	}
}

// Move takes movement authority for this participant.
func (a *App) Move() error {
	if a.dead {
		return ErrNotFound
	}
	self := a.w.NetworkID()
	if a.data.Mover != "" && a.data.Mover != self {
		return ErrAuthorityHeld
	}
	if a.w.controls == nil {
		return ErrNoControls
	}
	a.data.Mover = self
	a.Build(false)
	a.w.net.Send(protocol.TypeEntityModified, protocol.EntityModifiedMsg{
		ID:    a.data.ID,
		Mover: protocol.Value(self),
	}, "")
	return nil
}

// Uploaded marks the uploader's artifacts as available to everyone.
func (a *App) Uploaded() {
	if a.dead || a.data.Uploader == "" {
		return
	}
	a.data.Uploader = ""
	a.Build(false)
	a.w.net.Send(protocol.TypeEntityModified, protocol.EntityModifiedMsg{
		ID:       a.data.ID,
		Uploader: protocol.Null[string](),
	}, "")
}

func (a *App) FixedUpdate(delta float64) {
	if a.mode == ModeActive {
		a.emit(events.Event{Name: events.FixedUpdate, Delta: delta})
	}
}

func (a *App) Update(delta float64) {
	self := a.w.NetworkID()
	if a.data.Mover == self && a.control != nil && a.root != nil {
		if a.drag(delta) {
			return
		}
	}
	if a.data.Mover != "" && a.data.Mover != self && a.netPos != nil {
		a.netPos.Update(delta)
		a.netQuat.Update(delta)
	}
	if a.mode == ModeActive {
		a.emit(events.Event{Name: events.Update, Delta: delta})
	}
}

func (a *App) LateUpdate(delta float64) {
	if a.mode == ModeActive {
		a.emit(events.Event{Name: events.LateUpdate, Delta: delta})
	}
}

// drag moves the app under the local pointer. It reports whether the app was
// placed this tick.
func (a *App) drag(delta float64) bool {
	c := a.control
	if c.Buttons["ShiftLeft"] {
		a.root.Position.Y -= c.Pointer.Delta.Y * delta * 0.5
	} else {
		if c.Pointer.Hit != nil {
			a.root.Position = *c.Pointer.Hit
		}
		if c.Scroll != 0 {
			a.root.Quaternion = a.root.Quaternion.RotateY(c.Scroll * 0.1 * delta)
		}
	}
	a.data.Position = a.root.Position.Array()
	a.data.Quaternion = a.root.Quaternion.Array()

	a.lastMoveSend += delta
	if a.lastMoveSend > a.w.cfg.NetworkRate.Seconds() {
		a.w.net.Send(protocol.TypeEntityModified, protocol.EntityModifiedMsg{
			ID:         a.data.ID,
			Position:   protocol.Value(a.data.Position),
			Quaternion: protocol.Value(a.data.Quaternion),
		}, "")
		a.lastMoveSend = 0
	}

	if c.Pressed["MouseLeft"] {
		a.place()
		return true
	}
	return false
}

// place releases movement authority and commits the final transform, with
// state reset, in a single message.
func (a *App) place() {
	a.data.Mover = ""
	a.data.State = map[string]any{}
	a.w.net.Send(protocol.TypeEntityModified, protocol.EntityModifiedMsg{
		ID:         a.data.ID,
		Mover:      protocol.Null[string](),
		Position:   protocol.Value(a.data.Position),
		Quaternion: protocol.Value(a.data.Quaternion),
		State:      protocol.Value(map[string]any{}),
	}, "")
	a.Build(false)
}

// Destroy tears the app down permanently. Local destroys are broadcast.
func (a *App) Destroy(local bool) {
	if a.dead {
		return
	}
	a.unbuild()
	a.dead = true
	a.building = false
	if a.pending != nil {
		a.pending.cancel()
		a.pending = nil
	}
	a.queue = nil
	if a.root != nil {
		a.root = nil
	}
	a.w.unregister(a.data.ID)
	a.w.audit(AuditEntry{EntityID: a.data.ID, Action: "DESTROY", Generation: a.gen, Blueprint: a.data.Blueprint})
	if local {
		a.w.net.Send(protocol.TypeEntityRemoved, a.data.ID, "")
	}
}
