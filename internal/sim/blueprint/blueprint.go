package blueprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"appworld.ai/internal/protocol"
)

var (
	ErrNotFound = errors.New("blueprint not found")
	ErrExists   = errors.New("blueprint already exists")
	ErrStale    = errors.New("blueprint version is not newer")
)

// Blueprint is immutable once stored. A new version is a new value; holders of
// an older *Blueprint keep seeing the old definition.
type Blueprint struct {
	ID      string         `yaml:"id" json:"id"`
	Version int            `yaml:"version" json:"version"`
	Model   string         `yaml:"model" json:"model"`
	Script  string         `yaml:"script,omitempty" json:"script,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

func (b *Blueprint) Data() protocol.BlueprintData {
	return protocol.BlueprintData{
		ID:      b.ID,
		Version: b.Version,
		Model:   b.Model,
		Script:  b.Script,
		Config:  maps.Clone(b.Config),
	}
}

func FromData(d protocol.BlueprintData) Blueprint {
	return Blueprint{ID: d.ID, Version: d.Version, Model: d.Model, Script: d.Script, Config: maps.Clone(d.Config)}
}

func (b Blueprint) validate() error {
	if b.ID == "" {
		return fmt.Errorf("blueprint: empty id")
	}
	if b.Model == "" {
		return fmt.Errorf("blueprint %s: empty model", b.ID)
	}
	if b.Version < 0 {
		return fmt.Errorf("blueprint %s: negative version", b.ID)
	}
	return nil
}

// Store holds the latest snapshot per blueprint id.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Blueprint
}

func NewStore() *Store {
	return &Store{byID: map[string]*Blueprint{}}
}

func (s *Store) Get(id string) (*Blueprint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bp, ok := s.byID[id]
	return bp, ok
}

// Add stores a new blueprint id.
func (s *Store) Add(bp Blueprint) (*Blueprint, error) {
	if err := bp.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[bp.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, bp.ID)
	}
	stored := freeze(bp)
	s.byID[bp.ID] = stored
	return stored, nil
}

// Modify stores a new version of an existing id. A zero version is assigned
// current+1; an explicit version must be newer than the current one.
func (s *Store) Modify(bp Blueprint) (*Blueprint, error) {
	if err := bp.validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[bp.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bp.ID)
	}
	if bp.Version == 0 {
		bp.Version = cur.Version + 1
	}
	if bp.Version <= cur.Version {
		return nil, fmt.Errorf("%w: %s v%d <= v%d", ErrStale, bp.ID, bp.Version, cur.Version)
	}
	stored := freeze(bp)
	s.byID[bp.ID] = stored
	return stored, nil
}

// Put upserts a replicated blueprint, ignoring versions older than the stored one.
func (s *Store) Put(bp Blueprint) (*Blueprint, bool, error) {
	if err := bp.validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[bp.ID]; ok && cur.Version >= bp.Version {
		return cur, false, nil
	}
	stored := freeze(bp)
	s.byID[bp.ID] = stored
	return stored, true, nil
}

func (s *Store) All() []*Blueprint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Blueprint, 0, len(s.byID))
	for _, bp := range s.byID {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Digest is a sha256 over the sorted (id, version) pairs.
func (s *Store) Digest() string {
	type pair struct {
		ID      string `json:"id"`
		Version int    `json:"version"`
	}
	all := s.All()
	pairs := make([]pair, 0, len(all))
	for _, bp := range all {
		pairs = append(pairs, pair{bp.ID, bp.Version})
	}
	b, _ := json.Marshal(pairs)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func freeze(bp Blueprint) *Blueprint {
	bp.Config = maps.Clone(bp.Config)
	return &bp
}
