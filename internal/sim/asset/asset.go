// Package asset resolves model, avatar and script references to loaded
// artifacts. Loads are cached and concurrent loads of one ref are collapsed.
package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"appworld.ai/internal/sim/scene"
	"appworld.ai/internal/sim/script"
)

type Kind string

const (
	KindModel  Kind = "model"
	KindAvatar Kind = "avatar"
	KindScript Kind = "script"
)

// CrashBlockRef is the fallback visual for crashed apps. It always resolves.
const CrashBlockRef = "asset://crash-block.glb"

var ErrNotFound = errors.New("asset not found")

// ModelKind picks the loader kind for a model reference.
func ModelKind(ref string) Kind {
	if strings.HasSuffix(strings.ToLower(ref), ".vrm") {
		return KindAvatar
	}
	return KindModel
}

type Artifact interface {
	Kind() Kind
	Ref() string
}

// Model is a parsed node tree. ToNodes hands out a fresh copy per call.
type Model struct {
	kind Kind
	ref  string
	root *scene.Node
}

func NewModel(kind Kind, ref string, root *scene.Node) *Model {
	return &Model{kind: kind, ref: ref, root: root}
}

func (m *Model) Kind() Kind           { return m.kind }
func (m *Model) Ref() string          { return m.ref }
func (m *Model) ToNodes() *scene.Node { return m.root.Clone() }

type Script struct {
	ref string
	script.Script
}

func NewScript(ref string, s script.Script) *Script { return &Script{ref: ref, Script: s} }

func (s *Script) Kind() Kind  { return KindScript }
func (s *Script) Ref() string { return s.ref }

// Loader is what the entity runtime consumes. Get never blocks and returns
// nil when the artifact is not cached yet.
type Loader interface {
	Get(kind Kind, ref string) Artifact
	Load(ctx context.Context, kind Kind, ref string) (Artifact, error)
}

// FileLoader serves asset:// refs from a directory of YAML node models and
// builtin:// script refs from a script registry.
type FileLoader struct {
	dir     string
	scripts *script.Registry

	mu    sync.RWMutex
	cache map[string]Artifact
	group singleflight.Group
}

func NewFileLoader(dir string, scripts *script.Registry) *FileLoader {
	if scripts == nil {
		scripts = script.NewRegistry()
	}
	return &FileLoader{dir: dir, scripts: scripts, cache: map[string]Artifact{}}
}

func cacheKey(kind Kind, ref string) string { return string(kind) + "|" + ref }

func (l *FileLoader) Get(kind Kind, ref string) Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cache[cacheKey(kind, ref)]
}

// Preload resolves refs synchronously, for warming the cache at boot.
func (l *FileLoader) Preload(ctx context.Context, kind Kind, refs ...string) error {
	for _, ref := range refs {
		if _, err := l.Load(ctx, kind, ref); err != nil {
			return err
		}
	}
	return nil
}

func (l *FileLoader) Load(ctx context.Context, kind Kind, ref string) (Artifact, error) {
	if a := l.Get(kind, ref); a != nil {
		return a, nil
	}
	key := cacheKey(kind, ref)
	ch := l.group.DoChan(key, func() (any, error) {
		if a := l.Get(kind, ref); a != nil {
			return a, nil
		}
		a, err := l.resolve(kind, ref)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[key] = a
		l.mu.Unlock()
		return a, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Artifact), nil
	}
}

func (l *FileLoader) resolve(kind Kind, ref string) (Artifact, error) {
	switch kind {
	case KindScript:
		s, ok := l.scripts.Lookup(ref)
		if !ok {
			return nil, fmt.Errorf("%w: script %s", ErrNotFound, ref)
		}
		return NewScript(ref, s), nil
	case KindModel, KindAvatar:
		if ref == CrashBlockRef {
			if root, err := l.readModel(ref); err == nil {
				return NewModel(kind, ref, root), nil
			}
			return NewModel(kind, ref, CrashBlock()), nil
		}
		root, err := l.readModel(ref)
		if err != nil {
			return nil, err
		}
		return NewModel(kind, ref, root), nil
	default:
		return nil, fmt.Errorf("asset: unknown kind %q", kind)
	}
}

func (l *FileLoader) readModel(ref string) (*scene.Node, error) {
	name, ok := strings.CutPrefix(ref, "asset://")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported ref %s", ErrNotFound, ref)
	}
	p := filepath.Join(l.dir, filepath.FromSlash(name))
	if !strings.HasPrefix(filepath.Clean(p), filepath.Clean(l.dir)) {
		return nil, fmt.Errorf("asset: ref escapes asset dir: %s", ref)
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	root, err := ParseModel(raw)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", ref, err)
	}
	return root, nil
}

// CrashBlock is the in-memory fallback used when no crash-block asset exists
// on disk.
func CrashBlock() *scene.Node {
	root := scene.New("root")
	block := scene.NewBox("crash-block", 1, 1, 1)
	block.Position = scene.V3(0, 0.5, 0)
	root.Add(block)
	return root
}
