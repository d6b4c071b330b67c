// Package events holds event names, payloads and the handle-based listener
// registry shared by per-app local events and the world event bus.
package events

type Name string

// Reserved names. Scripts may listen to them but never emit or send them.
const (
	FixedUpdate Name = "fixedUpdate"
	Update      Name = "update"
	LateUpdate  Name = "lateUpdate"
	Enter       Name = "enter"
	Leave       Name = "leave"
	Chat        Name = "chat"
)

type Kind uint8

const (
	KindCustom Kind = iota
	KindPhase
	KindLifecycle
)

func (n Name) Kind() Kind {
	switch n {
	case FixedUpdate, Update, LateUpdate:
		return KindPhase
	case Enter, Leave, Chat:
		return KindLifecycle
	default:
		return KindCustom
	}
}

func (n Name) Reserved() bool { return n.Kind() != KindCustom }
func (n Name) Phase() bool    { return n.Kind() == KindPhase }

// Event is a tagged payload. Phase events carry Delta; custom and lifecycle
// events carry Data, and networked custom events also carry the origin
// participant id.
type Event struct {
	Name   Name
	Delta  float64
	Data   any
	Origin string
}

func (e Event) Kind() Kind { return e.Name.Kind() }

type Handler func(Event)

// Handle identifies one registration. Zero is never issued.
type Handle uint64

type entry struct {
	handle Handle
	fn     Handler
}

// Registry maps names to handlers in registration order.
type Registry struct {
	next   Handle
	byName map[Name][]entry
}

func (r *Registry) On(name Name, fn Handler) Handle {
	if fn == nil {
		return 0
	}
	if r.byName == nil {
		r.byName = map[Name][]entry{}
	}
	r.next++
	r.byName[name] = append(r.byName[name], entry{handle: r.next, fn: fn})
	return r.next
}

// Off removes a registration and reports whether it existed.
func (r *Registry) Off(name Name, h Handle) bool {
	list := r.byName[name]
	for i, e := range list {
		if e.handle == h {
			// copy so an in-flight Emit keeps its snapshot intact
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.byName, name)
			} else {
				r.byName[name] = next
			}
			return true
		}
	}
	return false
}

// Emit calls the handlers registered at the time of the call, in order.
func (r *Registry) Emit(ev Event) {
	for _, e := range r.byName[ev.Name] {
		e.fn(ev)
	}
}

func (r *Registry) Count(name Name) int { return len(r.byName[name]) }

// Len is the total number of registrations.
func (r *Registry) Len() int {
	n := 0
	for _, l := range r.byName {
		n += len(l)
	}
	return n
}

func (r *Registry) Clear() { r.byName = nil }

// Bus is the world-scoped publish/subscribe channel shared by all entities.
type Bus struct {
	reg Registry
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) On(name Name, fn Handler) Handle { return b.reg.On(name, fn) }
func (b *Bus) Off(name Name, h Handle) bool    { return b.reg.Off(name, h) }
func (b *Bus) Emit(name Name, data any)        { b.reg.Emit(Event{Name: name, Data: data}) }
func (b *Bus) Subscriptions() int              { return b.reg.Len() }
