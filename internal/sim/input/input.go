// Package input arbitrates keyboard/pointer input between bindings. Only the
// highest-priority binding (latest wins on ties) receives a frame.
package input

import (
	"sort"

	"appworld.ai/internal/sim/scene"
)

type Priority int

const (
	PriorityPlayer Priority = iota
	PriorityApp
	PriorityEntity
)

// Options configure a binding.
type Options struct {
	Priority Priority
	// Owner is informational (entity id holding the binding).
	Owner string
	// OnScroll, if it returns true, consumes the scroll delta.
	OnScroll  func(delta float64) bool
	OnPress   func(button string)
	OnRelease func(button string)
}

// Pointer is the pointer state for a frame. Hit is the stage raycast result
// under the pointer with the moving entity and players excluded.
type Pointer struct {
	Position scene.Vec3
	Delta    scene.Vec3
	Hit      *scene.Vec3
}

// Frame is the raw input sampled by the presentation layer for one tick.
type Frame struct {
	Down    []string
	Pressed []string
	Scroll  float64
	Pointer Pointer
}

type Control struct {
	opts     Options
	seq      uint64
	controls *Controls
	released bool

	Buttons map[string]bool
	Pressed map[string]bool
	Scroll  float64
	Pointer Pointer
}

func (c *Control) Released() bool { return c.released }
func (c *Control) Owner() string  { return c.opts.Owner }

// Release removes the binding and drops any input it held. Safe to call more
// than once.
func (c *Control) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.controls.remove(c)
	clear(c.Buttons)
	clear(c.Pressed)
	c.Scroll = 0
	c.Pointer = Pointer{}
}

type Controls struct {
	bindings []*Control
	seq      uint64
}

func NewControls() *Controls { return &Controls{} }

func (cs *Controls) Bind(opts Options) *Control {
	cs.seq++
	c := &Control{
		opts:     opts,
		seq:      cs.seq,
		controls: cs,
		Buttons:  map[string]bool{},
		Pressed:  map[string]bool{},
	}
	cs.bindings = append(cs.bindings, c)
	sort.SliceStable(cs.bindings, func(i, j int) bool {
		a, b := cs.bindings[i], cs.bindings[j]
		if a.opts.Priority != b.opts.Priority {
			return a.opts.Priority > b.opts.Priority
		}
		return a.seq > b.seq
	})
	return c
}

func (cs *Controls) remove(c *Control) {
	for i, b := range cs.bindings {
		if b == c {
			cs.bindings = append(cs.bindings[:i], cs.bindings[i+1:]...)
			return
		}
	}
}

// Active returns the binding currently receiving input, or nil.
func (cs *Controls) Active() *Control {
	if len(cs.bindings) == 0 {
		return nil
	}
	return cs.bindings[0]
}

func (cs *Controls) Len() int { return len(cs.bindings) }

// Feed delivers a frame to the active binding and clears per-frame state on
// the rest.
func (cs *Controls) Feed(f Frame) {
	for _, c := range cs.bindings {
		clear(c.Pressed)
		c.Scroll = 0
		c.Pointer.Delta = scene.Vec3{}
	}
	c := cs.Active()
	if c == nil {
		return
	}
	clear(c.Buttons)
	for _, b := range f.Down {
		c.Buttons[b] = true
	}
	for _, b := range f.Pressed {
		c.Pressed[b] = true
		c.Buttons[b] = true
		if c.opts.OnPress != nil {
			c.opts.OnPress(b)
		}
	}
	c.Pointer = f.Pointer
	if f.Scroll != 0 {
		c.Scroll = f.Scroll
		if c.opts.OnScroll != nil {
			c.opts.OnScroll(f.Scroll)
		}
	}
}
