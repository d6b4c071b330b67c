package events

import "testing"

func TestName_Reserved(t *testing.T) {
	for _, n := range []Name{FixedUpdate, Update, LateUpdate, Enter, Leave, Chat} {
		if !n.Reserved() {
			t.Fatalf("%s should be reserved", n)
		}
	}
	if Name("ping").Reserved() || Name("updated").Reserved() {
		t.Fatalf("custom names must not be reserved")
	}
	if !Update.Phase() || Enter.Phase() {
		t.Fatalf("phase classification wrong")
	}
}

func TestRegistry_OrderAndOff(t *testing.T) {
	var r Registry
	var got []int
	h1 := r.On("ping", func(Event) { got = append(got, 1) })
	r.On("ping", func(Event) { got = append(got, 2) })
	r.On("ping", func(Event) { got = append(got, 3) })
	r.Emit(Event{Name: "ping"})
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected order %v", got)
	}
	if !r.Off("ping", h1) || r.Off("ping", h1) {
		t.Fatalf("off should succeed once")
	}
	got = nil
	r.Emit(Event{Name: "ping"})
	if len(got) != 2 || got[0] != 2 {
		t.Fatalf("unexpected after off %v", got)
	}
	if r.Len() != 2 || r.Count("ping") != 2 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRegistry_OffDuringEmit(t *testing.T) {
	var r Registry
	calls := 0
	var h2 Handle
	r.On("x", func(Event) {
		calls++
		r.Off("x", h2)
	})
	h2 = r.On("x", func(Event) { calls++ })
	r.Emit(Event{Name: "x"})
	if calls != 2 {
		t.Fatalf("emit should use registration snapshot, calls=%d", calls)
	}
	calls = 0
	r.Emit(Event{Name: "x"})
	if calls != 1 {
		t.Fatalf("second emit calls=%d", calls)
	}
}

func TestBus_Subscriptions(t *testing.T) {
	b := NewBus()
	var seen any
	h := b.On(Enter, func(e Event) { seen = e.Data })
	b.Emit(Enter, "p1")
	if seen != "p1" {
		t.Fatalf("bus did not deliver")
	}
	if b.Subscriptions() != 1 {
		t.Fatalf("subs=%d", b.Subscriptions())
	}
	b.Off(Enter, h)
	if b.Subscriptions() != 0 {
		t.Fatalf("subs after off=%d", b.Subscriptions())
	}
	if r := (Registry{}); r.On("x", nil) != 0 {
		t.Fatalf("nil handler must not register")
	}
}
