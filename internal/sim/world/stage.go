package world

import "appworld.ai/internal/sim/scene"

// Stage tracks the nodes currently inserted into the world. The physics and
// render layers are out of process; this only keeps membership.
type Stage struct {
	nodes map[*scene.Node]struct{}
}

func NewStage() *Stage { return &Stage{nodes: map[*scene.Node]struct{}{}} }

func (s *Stage) Insert(n *scene.Node) { s.nodes[n] = struct{}{} }
func (s *Stage) Remove(n *scene.Node) { delete(s.nodes, n) }
func (s *Stage) Len() int             { return len(s.nodes) }

// Owned counts active nodes inserted on behalf of owner.
func (s *Stage) Owned(owner string) int {
	n := 0
	for node := range s.nodes {
		if node.Owner() == owner {
			n++
		}
	}
	return n
}

// Offline is the network of a world with no transport.
type Offline struct{}

func (Offline) ID() string               { return "local" }
func (Offline) IsServer() bool           { return false }
func (Offline) Send(string, any, string) {}
