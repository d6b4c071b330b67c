package scene

// NodeProxy is the script-facing accessor set for a node. The node itself is
// never handed out; world code recovers it with Ref.
type NodeProxy struct {
	node *Node
}

// Proxy returns the node's (cached) accessor.
func (n *Node) Proxy() *NodeProxy {
	if n.proxy == nil {
		n.proxy = &NodeProxy{node: n}
	}
	return n.proxy
}

// Ref unwraps a proxy. Nil-safe.
func Ref(p *NodeProxy) *Node {
	if p == nil {
		return nil
	}
	return p.node
}

func (p *NodeProxy) Name() string            { return p.node.Name }
func (p *NodeProxy) Type() string            { return p.node.Type }
func (p *NodeProxy) Position() Vec3          { return p.node.Position }
func (p *NodeProxy) SetPosition(v Vec3)      { p.node.Position = v }
func (p *NodeProxy) Quaternion() Quat        { return p.node.Quaternion }
func (p *NodeProxy) SetQuaternion(q Quat)    { p.node.Quaternion = q.Normalize() }
func (p *NodeProxy) Scale() Vec3             { return p.node.Scale }
func (p *NodeProxy) SetScale(v Vec3)         { p.node.Scale = v }
func (p *NodeProxy) Visible() bool           { return p.node.Visible }
func (p *NodeProxy) SetVisible(v bool)       { p.node.Visible = v }
func (p *NodeProxy) RotateY(angle float64)   { p.node.Quaternion = p.node.Quaternion.RotateY(angle) }
func (p *NodeProxy) Add(child *NodeProxy)    { p.node.Add(Ref(child)) }
func (p *NodeProxy) Remove(child *NodeProxy) { p.node.Remove(Ref(child)) }

func (p *NodeProxy) Get(name string) *NodeProxy {
	if n := p.node.Get(name); n != nil {
		return n.Proxy()
	}
	return nil
}

func (p *NodeProxy) Parent() *NodeProxy {
	if p.node.parent == nil {
		return nil
	}
	return p.node.parent.Proxy()
}
