package script

import (
	"errors"
	"fmt"

	"appworld.ai/internal/sim/events"
)

// Builtin script references.
const (
	RefSpinner = "builtin://spinner"
	RefCounter = "builtin://counter"
	RefGreeter = "builtin://greeter"
	RefDoor    = "builtin://door"
	RefCrasher = "builtin://crasher"
)

var errCrasher = errors.New("crasher: refusing to start")

// Builtins returns a registry preloaded with the bundled scripts.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register(RefSpinner, Func(spinner))
	_ = r.Register(RefCounter, Func(counter))
	_ = r.Register(RefGreeter, Func(greeter))
	_ = r.Register(RefDoor, Func(door))
	_ = r.Register(RefCrasher, Func(func(World, App, Fetch) error { return errCrasher }))
	return r
}

// spinner rotates the root about Y at config.speed radians per second. It
// only listens to update while config.enabled is not false, so disabled
// spinners stay off the hot loop.
func spinner(_ World, app App, _ Fetch) error {
	speed := Number(app.Config()["speed"], 1)
	if enabled, ok := app.Config()["enabled"].(bool); ok && !enabled {
		return nil
	}
	app.On(events.Update, func(e events.Event) {
		app.RotateY(speed * e.Delta)
	})
	return nil
}

// counter counts "ping" events in replicated state. The server answers each
// ping with a "pong" carrying the new count to everyone but the sender.
func counter(world World, app App, _ Fetch) error {
	app.On("ping", func(e events.Event) {
		st := app.State()
		if st == nil {
			st = map[string]any{}
		}
		n := Number(st["count"], 0) + 1
		st["count"] = n
		app.SetState(st)
		if world.IsServer() {
			_ = app.Send("pong", n, e.Origin)
		}
	})
	return nil
}

// greeter posts a chat line for every player that enters.
func greeter(world World, app App, _ Fetch) error {
	prefix, _ := app.Config()["greeting"].(string)
	if prefix == "" {
		prefix = "welcome"
	}
	world.On(events.Enter, func(e events.Event) {
		id, _ := e.Data.(string)
		name := id
		if p := world.GetPlayer(id); p != nil {
			name = p.Name()
		}
		world.Chat(fmt.Sprintf("%s %s", prefix, name), false)
	})
	return nil
}

// door toggles the visibility of its "Door" node on "toggle".
func door(_ World, app App, _ Fetch) error {
	app.Configure(func() []ConfigField {
		return []ConfigField{{Key: "open", Type: "toggle", Label: "Open", Initial: false}}
	})
	node := app.Get("Door")
	if node == nil {
		return fmt.Errorf("door: model has no Door node")
	}
	if open, _ := app.State()["open"].(bool); open {
		node.SetVisible(false)
	}
	app.On("toggle", func(events.Event) {
		st := app.State()
		if st == nil {
			st = map[string]any{}
		}
		open, _ := st["open"].(bool)
		st["open"] = !open
		app.SetState(st)
		node.SetVisible(open)
	})
	return nil
}

// Number reads a numeric config or state value, falling back to def.
func Number(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case int8:
		return float64(n)
	case uint8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	default:
		return def
	}
}
