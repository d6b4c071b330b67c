// Package script defines the capability surface user scripts run against.
// Scripts only ever see these interfaces; the world package implements them
// with per-build proxies.
package script

import (
	"encoding/json"
	"slices"

	"appworld.ai/internal/sim/events"
	"appworld.ai/internal/sim/input"
	"appworld.ai/internal/sim/scene"
)

type World interface {
	NetworkID() string
	IsServer() bool
	IsClient() bool

	// Add, Remove and Attach place nodes in world space, outside the app's
	// own hierarchy. Attach keeps the node's current world transform.
	Add(n *scene.NodeProxy)
	Remove(n *scene.NodeProxy)
	Attach(n *scene.NodeProxy)

	On(name events.Name, fn events.Handler) events.Handle
	Off(name events.Name, h events.Handle)
	Emit(name events.Name, data any) error

	GetTime() float64
	GetTimestamp(format string) string
	Chat(msg string, broadcast bool)
	// GetPlayer returns nil when the player is unknown. An empty id means
	// the local player.
	GetPlayer(id string) Player
}

type Player interface {
	ID() string
	Name() string
	Position() scene.Vec3
	Local() bool
}

type App interface {
	InstanceID() string
	Version() int

	State() map[string]any
	SetState(v map[string]any)

	On(name events.Name, fn events.Handler) events.Handle
	Off(name events.Name, h events.Handle)
	// Send broadcasts a networked app event. On the server, ignore skips one
	// participant.
	Send(name events.Name, data any, ignore string) error

	Get(name string) *scene.NodeProxy
	Create(name string) *scene.NodeProxy
	Control(opts input.Options) *input.Control
	Configure(fn ConfigureFunc)
	Config() map[string]any

	// Root node accessors.
	Name() string
	Position() scene.Vec3
	SetPosition(v scene.Vec3)
	Quaternion() scene.Quat
	SetQuaternion(q scene.Quat)
	RotateY(angle float64)
	Scale() scene.Vec3
	SetScale(v scene.Vec3)
	Visible() bool
	SetVisible(v bool)
	Add(child *scene.NodeProxy)
	Remove(child *scene.NodeProxy)
}

type ConfigField struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Label   string `json:"label,omitempty"`
	Initial any    `json:"initial,omitempty"`
}

type ConfigureFunc func() []ConfigField

type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Fetch issues a request bound to the current build. done runs on the
// simulation loop, and never runs if the build was torn down first.
type Fetch func(url string, opts FetchOptions, done func(*Response, error))

// Response is the narrowed view of an HTTP response handed to scripts.
type Response struct {
	OK         bool
	Status     int
	StatusText string
	Headers    map[string]string
	body       []byte
}

func NewResponse(status int, statusText string, headers map[string]string, body []byte) *Response {
	return &Response{
		OK:         status >= 200 && status < 300,
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		body:       body,
	}
}

func (r *Response) JSON(v any) error { return json.Unmarshal(r.body, v) }
func (r *Response) Text() string     { return string(r.body) }
func (r *Response) Bytes() []byte    { return slices.Clone(r.body) }

// Script is the entry point of a loaded script artifact.
type Script interface {
	Exec(world World, app App, fetch Fetch) error
}

type Func func(world World, app App, fetch Fetch) error

func (f Func) Exec(world World, app App, fetch Fetch) error { return f(world, app, fetch) }
