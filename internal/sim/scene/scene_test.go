package scene

import (
	"math"
	"testing"
)

type countingStage struct{ active map[*Node]bool }

func (s *countingStage) Insert(n *Node) { s.active[n] = true }
func (s *countingStage) Remove(n *Node) { delete(s.active, n) }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestNode_ActivateTree(t *testing.T) {
	st := &countingStage{active: map[*Node]bool{}}
	root := New("root")
	child := NewBox("Lid", 1, 1, 1)
	root.Add(child)
	root.Activate(st, "app1", true)
	if len(st.active) != 2 || !child.Active() || child.Owner() != "app1" {
		t.Fatalf("expected both nodes active, got %d", len(st.active))
	}
	late := New("late")
	root.Add(late)
	if !late.Active() || len(st.active) != 3 {
		t.Fatalf("child added to active parent should activate")
	}
	root.Remove(late)
	if late.Active() || late.Parent() != nil {
		t.Fatalf("removed child should be detached and inactive")
	}
	root.Deactivate()
	if len(st.active) != 0 {
		t.Fatalf("expected stage empty, got %d", len(st.active))
	}
}

func TestNode_GetAndClone(t *testing.T) {
	root := New("root")
	a := New("A")
	b := NewBox("B", 2, 2, 2)
	a.Add(b)
	root.Add(a)
	if root.Get("B") != b {
		t.Fatalf("get failed")
	}
	c := root.Clone()
	if c.Count() != 3 {
		t.Fatalf("clone count=%d", c.Count())
	}
	cb := c.Get("B")
	if cb == b || cb.Width != 2 || cb.Parent() == nil || cb.Parent().Name != "A" {
		t.Fatalf("clone not deep: %+v", cb)
	}
}

func TestNode_WorldTransform(t *testing.T) {
	root := New("root")
	root.Position = V3(10, 0, 0)
	root.Quaternion = Identity().RotateY(math.Pi / 2)
	child := New("c")
	child.Position = V3(1, 0, 0)
	root.Add(child)
	pos, _ := child.WorldTransform()
	if !near(pos.X, 10) || !near(pos.Z, -1) {
		t.Fatalf("unexpected world pos %+v", pos)
	}
}

func TestProxy_Forwarding(t *testing.T) {
	n := New("root")
	p := n.Proxy()
	if n.Proxy() != p {
		t.Fatalf("proxy not cached")
	}
	p.SetPosition(V3(1, 2, 3))
	if n.Position != V3(1, 2, 3) {
		t.Fatalf("set position not forwarded")
	}
	child := New("kid")
	p.Add(child.Proxy())
	if p.Get("kid") != child.Proxy() || Ref(p.Get("kid")) != child {
		t.Fatalf("get through proxy failed")
	}
	if Ref(nil) != nil {
		t.Fatalf("nil ref")
	}
}

func TestLerpVec3_ReachesTargetOverRate(t *testing.T) {
	v := V3(0, 0, 0)
	l := NewLerpVec3(&v, 0.1)
	l.Update(0.05)
	if v != V3(0, 0, 0) {
		t.Fatalf("moved without a sample: %+v", v)
	}
	l.Push(V3(10, 0, 0))
	l.Update(0.05)
	if !near(v.X, 5) {
		t.Fatalf("expected halfway, got %+v", v)
	}
	l.Update(0.2)
	if !near(v.X, 10) {
		t.Fatalf("expected target, got %+v", v)
	}
	// a newer sample replaces the target; start point is the last sample
	l.Push(V3(20, 0, 0))
	l.Update(0.05)
	if !near(v.X, 15) {
		t.Fatalf("expected 15, got %+v", v)
	}
}

func TestLerpQuat_Slerps(t *testing.T) {
	q := Identity()
	l := NewLerpQuat(&q, 1)
	target := Identity().RotateY(math.Pi / 2)
	l.Push(target)
	l.Update(1)
	if !near(q.Y, target.Y) || !near(q.W, target.W) {
		t.Fatalf("expected target %+v, got %+v", target, q)
	}
}
