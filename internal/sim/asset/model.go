package asset

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"appworld.ai/internal/sim/scene"
)

// nodeSpec is the on-disk node description. Binary model formats are parsed
// upstream; the runtime only needs names, primitives and transforms.
type nodeSpec struct {
	Name       string      `yaml:"name"`
	Type       string      `yaml:"type"`
	Size       [3]float64  `yaml:"size"`
	Position   [3]float64  `yaml:"position"`
	Quaternion *[4]float64 `yaml:"quaternion"`
	Scale      *[3]float64 `yaml:"scale"`
	Visible    *bool       `yaml:"visible"`
	Children   []nodeSpec  `yaml:"children"`
}

func ParseModel(raw []byte) (*scene.Node, error) {
	var spec nodeSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		spec.Name = "root"
	}
	return build(spec, 0)
}

func build(s nodeSpec, depth int) (*scene.Node, error) {
	if depth > 32 {
		return nil, fmt.Errorf("node tree too deep")
	}
	n := scene.New(s.Name)
	switch s.Type {
	case "", scene.TypeGroup:
	case scene.TypeBox, scene.TypeMesh:
		n.Type = s.Type
		n.Width, n.Height, n.Depth = s.Size[0], s.Size[1], s.Size[2]
	default:
		return nil, fmt.Errorf("node %s: unknown type %q", s.Name, s.Type)
	}
	n.Position = scene.Vec3FromArray(s.Position)
	if s.Quaternion != nil {
		n.Quaternion = scene.QuatFromArray(*s.Quaternion).Normalize()
	}
	if s.Scale != nil {
		n.Scale = scene.Vec3FromArray(*s.Scale)
	}
	if s.Visible != nil {
		n.Visible = *s.Visible
	}
	for _, cs := range s.Children {
		c, err := build(cs, depth+1)
		if err != nil {
			return nil, err
		}
		n.Add(c)
	}
	return n, nil
}
