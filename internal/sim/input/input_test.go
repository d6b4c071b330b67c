package input

import (
	"testing"

	"appworld.ai/internal/sim/scene"
)

func TestControls_PriorityAndRelease(t *testing.T) {
	cs := NewControls()
	app := cs.Bind(Options{Priority: PriorityApp, Owner: "a"})
	mover := cs.Bind(Options{Priority: PriorityEntity, Owner: "b"})
	if cs.Active() != mover {
		t.Fatalf("entity priority should win")
	}
	cs.Feed(Frame{Pressed: []string{"MouseLeft"}, Scroll: 2})
	if !mover.Pressed["MouseLeft"] || mover.Scroll != 2 {
		t.Fatalf("active binding missed frame: %+v", mover)
	}
	if app.Pressed["MouseLeft"] {
		t.Fatalf("inactive binding received input")
	}
	mover.Release()
	mover.Release()
	if cs.Active() != app || cs.Len() != 1 {
		t.Fatalf("release did not hand input back")
	}
	cs.Feed(Frame{})
	if mover.Pressed["MouseLeft"] {
		t.Fatalf("pressed state should be per-frame")
	}
}

func TestControls_ReleaseDropsHeldInput(t *testing.T) {
	cs := NewControls()
	c := cs.Bind(Options{Priority: PriorityEntity})
	hit := scene.V3(0, 1, 0)
	cs.Feed(Frame{Down: []string{"ShiftLeft"}, Pressed: []string{"MouseLeft"}, Scroll: -1, Pointer: Pointer{Hit: &hit}})
	if !c.Buttons["ShiftLeft"] || !c.Pressed["MouseLeft"] {
		t.Fatalf("frame not delivered: %+v", c)
	}
	c.Release()
	if len(c.Buttons) != 0 || len(c.Pressed) != 0 || c.Scroll != 0 || c.Pointer.Hit != nil {
		t.Fatalf("released binding still holds input: %+v", c)
	}
	if !c.Released() || cs.Active() != nil {
		t.Fatalf("binding not removed")
	}
}

func TestControls_LatestWinsOnTie(t *testing.T) {
	cs := NewControls()
	cs.Bind(Options{Priority: PriorityApp})
	second := cs.Bind(Options{Priority: PriorityApp})
	if cs.Active() != second {
		t.Fatalf("latest binding should win ties")
	}
	hit := scene.V3(1, 2, 3)
	consumed := 0.0
	third := cs.Bind(Options{Priority: PriorityApp, OnScroll: func(d float64) bool { consumed = d; return true }})
	cs.Feed(Frame{Scroll: 1.5, Pointer: Pointer{Hit: &hit}})
	if consumed != 1.5 || third.Pointer.Hit == nil || *third.Pointer.Hit != hit {
		t.Fatalf("scroll/pointer not delivered")
	}
}
