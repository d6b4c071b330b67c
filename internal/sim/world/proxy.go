package world

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/ncruces/go-strftime"

	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
)

// WorldProxy and AppProxy are the surfaces handed to a running script. Both
// are bound to the build generation that executed the script; once that
// build is torn down every call becomes a no-op.

type WorldProxy struct {
	app *App
	gen uint64
}

var _ script.World = (*WorldProxy)(nil)

func (p *WorldProxy) live() bool { return !p.app.dead && p.app.gen == p.gen }

func (p *WorldProxy) NetworkID() string { return p.app.w.NetworkID() }
func (p *WorldProxy) IsServer() bool    { return p.app.w.IsServer() }
func (p *WorldProxy) IsClient() bool    { return !p.app.w.IsServer() }

func (p *WorldProxy) Add(n *scene.NodeProxy) {
	if !p.live() || n == nil {
		return
	}
	node := scene.Ref(n)
	if parent := node.Parent(); parent != nil {
		parent.Remove(node)
	}
	p.app.worldNodes[node] = struct{}{}
	node.Activate(p.app.w.stage, p.app.data.ID, true)
}

func (p *WorldProxy) Remove(n *scene.NodeProxy) {
	if !p.live() || n == nil {
		return
	}
	node := scene.Ref(n)
	if _, ok := p.app.worldNodes[node]; !ok {
		return
	}
	delete(p.app.worldNodes, node)
	node.Deactivate()
}

// Attach moves a node into world space keeping its world transform.
func (p *WorldProxy) Attach(n *scene.NodeProxy) {
	if !p.live() || n == nil {
		return
	}
	node := scene.Ref(n)
	pos, rot := node.WorldTransform()
	node.Position = pos
	node.Quaternion = rot
	p.Add(n)
}

func (p *WorldProxy) On(name events.Name, fn events.Handler) events.Handle {
	if !p.live() || fn == nil {
		return 0
	}
	a := p.app
	h := a.w.bus.On(name, func(ev events.Event) {
		a.guard("world "+string(name), func() { fn(ev) })
	})
	a.worldListeners[h] = name
	return h
}

func (p *WorldProxy) Off(name events.Name, h events.Handle) {
	if !p.live() {
		return
	}
	if _, ok := p.app.worldListeners[h]; !ok {
		return
	}
	delete(p.app.worldListeners, h)
	p.app.w.bus.Off(name, h)
}

func (p *WorldProxy) Emit(name events.Name, data any) error {
	if name.Reserved() {
		p.app.rejectReserved(name)
		return fmt.Errorf("emit %q: %w", name, ErrReservedEvent)
	}
	if !p.live() {
		return nil
	}
	p.app.w.bus.Emit(name, data)
	return nil
}

func (p *WorldProxy) GetTime() float64 { return p.app.w.GetTime() }

// GetTimestamp formats the current time with strftime directives. An empty
// format yields RFC 3339.
func (p *WorldProxy) GetTimestamp(format string) string {
	if format == "" {
		format = "%Y-%m-%dT%H:%M:%SZ"
	}
	return strftime.Format(format, p.app.w.now().UTC())
}

func (p *WorldProxy) Chat(msg string, broadcast bool) {
	if !p.live() {
		return
	}
	p.app.w.Chat("", "", msg, broadcast)
}

func (p *WorldProxy) GetPlayer(id string) script.Player {
	w := p.app.w
	if id == "" {
		id = w.NetworkID()
	}
	pl, ok := w.entities[id].(*Player)
	if !ok {
		return nil
	}
	return &PlayerProxy{p: pl}
}

type AppProxy struct {
	app *App
	gen uint64
}

var _ script.App = (*AppProxy)(nil)

func (p *AppProxy) live() bool { return !p.app.dead && p.app.gen == p.gen }

func (p *AppProxy) InstanceID() string { return p.app.data.ID }
func (p *AppProxy) Version() int       { return p.app.Version() }

func (p *AppProxy) State() map[string]any { return maps.Clone(p.app.data.State) }

// SetState replaces local state without replicating it. Scripts keep
// participants in agreement by deriving state from the same events.
func (p *AppProxy) SetState(v map[string]any) {
	if !p.live() {
		return
	}
	p.app.data.State = maps.Clone(v)
}

func (p *AppProxy) On(name events.Name, fn events.Handler) events.Handle {
	if !p.live() || fn == nil {
		return 0
	}
	return p.app.on(name, fn)
}

func (p *AppProxy) Off(name events.Name, h events.Handle) {
	if !p.live() {
		return
	}
	p.app.off(name, h)
}

func (p *AppProxy) Send(name events.Name, data any, ignore string) error {
	if name.Reserved() {
		p.app.rejectReserved(name)
		return fmt.Errorf("send %q: %w", name, ErrReservedEvent)
	}
	if !p.live() {
		return nil
	}
	return p.app.send(name, data, ignore)
}

func (p *AppProxy) Get(name string) *scene.NodeProxy {
	root := p.node()
	if root == nil {
		return nil
	}
	n := root.Get(name)
	if n == nil {
		return nil
	}
	return n.Proxy()
}

func (p *AppProxy) Create(name string) *scene.NodeProxy {
	return scene.New(name).Proxy()
}

// Control binds input for the running build. It is released on unbuild.
func (p *AppProxy) Control(opts input.Options) *input.Control {
	a := p.app
	if !p.live() || a.w.controls == nil {
		return nil
	}
	if a.control != nil {
		a.control.Release()
	}
	opts.Owner = a.data.ID
	a.control = a.w.controls.Bind(opts)
	return a.control
}

func (p *AppProxy) Configure(fn script.ConfigureFunc) {
	if !p.live() {
		return
	}
	p.app.configure = fn
}

func (p *AppProxy) Config() map[string]any {
	if p.app.blueprint == nil {
		return map[string]any{}
	}
	return maps.Clone(p.app.blueprint.Config)
}

// node is the committed root for this proxy's generation, or nil once the
// build is gone. Accessors on a nil node read zero values and drop writes.
func (p *AppProxy) node() *scene.Node {
	if !p.live() {
		return nil
	}
	return p.app.root
}

func (p *AppProxy) Name() string {
	if n := p.node(); n != nil {
		return n.Name
	}
	return ""
}

func (p *AppProxy) Position() scene.Vec3 {
	if n := p.node(); n != nil {
		return n.Position
	}
	return scene.Vec3{}
}

func (p *AppProxy) SetPosition(v scene.Vec3) {
	if n := p.node(); n != nil {
		n.Proxy().SetPosition(v)
	}
}

func (p *AppProxy) Quaternion() scene.Quat {
	if n := p.node(); n != nil {
		return n.Quaternion
	}
	return scene.Quat{}
}

func (p *AppProxy) SetQuaternion(q scene.Quat) {
	if n := p.node(); n != nil {
		n.Proxy().SetQuaternion(q)
	}
}

func (p *AppProxy) RotateY(angle float64) {
	if n := p.node(); n != nil {
		n.Proxy().RotateY(angle)
	}
}

func (p *AppProxy) Scale() scene.Vec3 {
	if n := p.node(); n != nil {
		return n.Scale
	}
	return scene.Vec3{}
}

func (p *AppProxy) SetScale(v scene.Vec3) {
	if n := p.node(); n != nil {
		n.Proxy().SetScale(v)
	}
}

func (p *AppProxy) Visible() bool {
	if n := p.node(); n != nil {
		return n.Visible
	}
	return false
}

func (p *AppProxy) SetVisible(v bool) {
	if n := p.node(); n != nil {
		n.Proxy().SetVisible(v)
	}
}

func (p *AppProxy) Add(child *scene.NodeProxy) {
	if n := p.node(); n != nil {
		n.Proxy().Add(child)
	}
}

func (p *AppProxy) Remove(child *scene.NodeProxy) {
	if n := p.node(); n != nil {
		n.Proxy().Remove(child)
	}
}

type PlayerProxy struct {
	p *Player
}

var _ script.Player = (*PlayerProxy)(nil)

func (pp *PlayerProxy) ID() string           { return pp.p.data.ID }
func (pp *PlayerProxy) Name() string         { return pp.p.data.Name }
func (pp *PlayerProxy) Position() scene.Vec3 { return pp.p.position }
func (pp *PlayerProxy) Local() bool          { return pp.p.data.ID == pp.p.w.NetworkID() }

// fetch returns the HTTP surface for one build generation. Completions for a
// generation that has since been torn down are dropped.
func (a *App) fetch(gen uint64) script.Fetch {
	return func(url string, opts script.FetchOptions, done func(*script.Response, error)) {
		tok := a.token
		if a.dead || a.gen != gen || tok == nil || tok.gen != gen {
			return
		}
		a.fetches++
		client := a.w.http
		timeout := a.w.cfg.FetchTimeout
		a.w.async(func(context.Context) func() {
			ctx, cancel := context.WithTimeout(tok.ctx, timeout)
			defer cancel()
			resp, err := doFetch(ctx, client, url, opts)
			return func() {
				if a.token != tok || a.dead {
					return
				}
				a.fetches--
				if done != nil {
					a.guard("fetch", func() { done(resp, err) })
				}
			}
		})
	}
}

func doFetch(ctx context.Context, client *http.Client, url string, opts script.FetchOptions) (*script.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[strings.ToLower(k)] = res.Header.Get(k)
	}
	return script.NewResponse(res.StatusCode, http.StatusText(res.StatusCode), headers, b), nil
}
