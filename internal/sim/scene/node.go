package scene

const (
	TypeGroup = "group"
	TypeMesh  = "mesh"
	TypeBox   = "box"
)

// Stage receives nodes as they are activated into the world. The renderer and
// physics live behind it.
type Stage interface {
	Insert(n *Node)
	Remove(n *Node)
}

type Node struct {
	Name string
	Type string

	Width, Height, Depth float64

	Position   Vec3
	Quaternion Quat
	Scale      Vec3
	Visible    bool

	parent   *Node
	children []*Node

	active  bool
	stage   Stage
	owner   string
	physics bool
	proxy   *NodeProxy
}

func New(name string) *Node {
	return &Node{Name: name, Type: TypeGroup, Quaternion: Identity(), Scale: Vec3{1, 1, 1}, Visible: true}
}

// NewBox builds a unit-less box primitive.
func NewBox(name string, w, h, d float64) *Node {
	n := New(name)
	n.Type = TypeBox
	n.Width, n.Height, n.Depth = w, h, d
	return n
}

func (n *Node) Parent() *Node     { return n.parent }
func (n *Node) Children() []*Node { return n.children }
func (n *Node) Active() bool      { return n.active }
func (n *Node) Owner() string     { return n.owner }
func (n *Node) Physics() bool     { return n.physics }

func (n *Node) Add(child *Node) {
	if child == nil || child == n {
		return
	}
	if child.parent != nil {
		child.parent.Remove(child)
	}
	child.parent = n
	n.children = append(n.children, child)
	if n.active {
		child.Activate(n.stage, n.owner, n.physics)
	}
}

func (n *Node) Remove(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			child.parent = nil
			child.Deactivate()
			return
		}
	}
}

// Get finds a descendant (or n itself) by name.
func (n *Node) Get(name string) *Node {
	if n.Name == name {
		return n
	}
	for _, c := range n.children {
		if hit := c.Get(name); hit != nil {
			return hit
		}
	}
	return nil
}

// Clone deep-copies the subtree, detached and inactive.
func (n *Node) Clone() *Node {
	c := &Node{
		Name:       n.Name,
		Type:       n.Type,
		Width:      n.Width,
		Height:     n.Height,
		Depth:      n.Depth,
		Position:   n.Position,
		Quaternion: n.Quaternion,
		Scale:      n.Scale,
		Visible:    n.Visible,
	}
	for _, ch := range n.children {
		cc := ch.Clone()
		cc.parent = c
		c.children = append(c.children, cc)
	}
	return c
}

// Activate inserts the subtree into the stage on behalf of owner.
func (n *Node) Activate(stage Stage, owner string, physics bool) {
	if n.active {
		return
	}
	n.active = true
	n.stage = stage
	n.owner = owner
	n.physics = physics
	if stage != nil {
		stage.Insert(n)
	}
	for _, c := range n.children {
		c.Activate(stage, owner, physics)
	}
}

func (n *Node) Deactivate() {
	if !n.active {
		return
	}
	for _, c := range n.children {
		c.Deactivate()
	}
	if n.stage != nil {
		n.stage.Remove(n)
	}
	n.active = false
	n.stage = nil
}

// WorldTransform composes the transforms up the parent chain.
func (n *Node) WorldTransform() (Vec3, Quat) {
	pos, quat := n.Position, n.Quaternion
	for p := n.parent; p != nil; p = p.parent {
		pos = p.Position.Add(p.Quaternion.Rotate(pos.Mul(p.Scale)))
		quat = p.Quaternion.Mul(quat)
	}
	return pos, quat.Normalize()
}

// Count returns the number of nodes in the subtree.
func (n *Node) Count() int {
	c := 1
	for _, ch := range n.children {
		c += ch.Count()
	}
	return c
}
