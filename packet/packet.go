// Package packet implements the immutable, content-addressed Context Packet
// used to ground every reasoning call, together with its Builder.
//
// The packet ID is a sha256 over a canonical form of sources, facts,
// assumptions and augmentations. Provenance is excluded so two builders that
// produce the same logical content yield the same ID regardless of insertion
// order or who assembled it.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/agentplan/internal/util"
)

var (
	// ErrDuplicateFact is returned by Build when a fact key was added twice.
	ErrDuplicateFact = errors.New("duplicate fact key")
	// ErrRefMismatch is returned by Verify when the stored ID does not match the content.
	ErrRefMismatch = errors.New("context ref mismatch")
)

// Augmentation is a typed artifact promoted into a packet version.
type Augmentation struct {
	Type     string `json:"type"`
	Artifact any    `json:"artifact"`
}

// Packet is an immutable context bundle. Use the accessor methods; they
// return copies.
type Packet struct {
	id            string
	version       int
	parent        string
	sources       []string
	facts         map[string]any
	assumptions   []string
	augmentations []Augmentation
	provenance    map[string]any
}

// ID returns the content hash.
func (p *Packet) ID() string { return p.id }

// Version returns the packet version (1 for a root packet).
func (p *Packet) Version() int { return p.version }

// Parent returns the ID of the packet this one was derived from, if any.
func (p *Packet) Parent() string { return p.parent }

// Sources returns the sorted source list.
func (p *Packet) Sources() []string { return append([]string(nil), p.sources...) }

// Assumptions returns the sorted assumptions.
func (p *Packet) Assumptions() []string { return append([]string(nil), p.assumptions...) }

// FactKeys returns fact keys in sorted order.
func (p *Packet) FactKeys() []string {
	keys := make([]string, 0, len(p.facts))
	for k := range p.facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fact returns a copy of the fact value for key.
func (p *Packet) Fact(key string) (any, bool) {
	v, ok := p.facts[key]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// Facts returns a copy of all facts.
func (p *Packet) Facts() map[string]any {
	out := make(map[string]any, len(p.facts))
	for k, v := range p.facts {
		out[k] = copyValue(v)
	}
	return out
}

// HasFacts reports whether the packet carries at least one fact.
func (p *Packet) HasFacts() bool { return len(p.facts) > 0 }

// Augmentations returns copies of the augmentations in canonical order.
func (p *Packet) Augmentations() []Augmentation {
	out := make([]Augmentation, len(p.augmentations))
	for i, a := range p.augmentations {
		out[i] = Augmentation{Type: a.Type, Artifact: copyValue(a.Artifact)}
	}
	return out
}

// Augmentation returns the augmentation at index.
func (p *Packet) Augmentation(index int) (Augmentation, bool) {
	if index < 0 || index >= len(p.augmentations) {
		return Augmentation{}, false
	}
	a := p.augmentations[index]
	return Augmentation{Type: a.Type, Artifact: copyValue(a.Artifact)}, true
}

// Provenance returns a copy of the provenance map.
func (p *Packet) Provenance() map[string]any {
	out := make(map[string]any, len(p.provenance))
	for k, v := range p.provenance {
		out[k] = copyValue(v)
	}
	return out
}

type canonicalContent struct {
	Sources       []string       `json:"sources"`
	Facts         map[string]any `json:"facts"`
	Assumptions   []string       `json:"assumptions"`
	Augmentations []Augmentation `json:"augmentations"`
}

// ComputeContextRef recomputes the content hash of p from its content alone.
func ComputeContextRef(p *Packet) (string, error) {
	return computeRef(p.sources, p.facts, p.assumptions, p.augmentations)
}

// Verify checks that the packet ID matches its content.
func Verify(p *Packet) error {
	ref, err := ComputeContextRef(p)
	if err != nil {
		return err
	}

	if ref != p.id {
		return fmt.Errorf("%w: stored %s, computed %s", ErrRefMismatch, p.id, ref)
	}

	return nil
}

func computeRef(sources []string, facts map[string]any, assumptions []string, augs []Augmentation) (string, error) {
	if facts == nil {
		facts = map[string]any{}
	}

	return util.Digest(canonicalContent{
		Sources:       nonNil(sources),
		Facts:         facts,
		Assumptions:   nonNil(assumptions),
		Augmentations: augs,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type packetJSON struct {
	ID            string         `json:"id"`
	Version       int            `json:"version"`
	Parent        string         `json:"parent,omitempty"`
	Sources       []string       `json:"sources"`
	Facts         map[string]any `json:"facts"`
	Assumptions   []string       `json:"assumptions"`
	Augmentations []Augmentation `json:"augmentations"`
	Provenance    map[string]any `json:"provenance,omitempty"`
}

// MarshalJSON encodes the packet including its ID.
func (p *Packet) MarshalJSON() ([]byte, error) {
	augs := p.augmentations
	if augs == nil {
		augs = []Augmentation{}
	}

	facts := p.facts
	if facts == nil {
		facts = map[string]any{}
	}

	return json.Marshal(packetJSON{
		ID:            p.id,
		Version:       p.version,
		Parent:        p.parent,
		Sources:       nonNil(p.sources),
		Facts:         facts,
		Assumptions:   nonNil(p.assumptions),
		Augmentations: augs,
		Provenance:    p.provenance,
	})
}

// UnmarshalJSON decodes a packet and verifies its ID.
func (p *Packet) UnmarshalJSON(b []byte) error {
	var raw packetJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*p = Packet{
		id:            raw.ID,
		version:       raw.Version,
		parent:        raw.Parent,
		sources:       nonNil(raw.Sources),
		facts:         raw.Facts,
		assumptions:   nonNil(raw.Assumptions),
		augmentations: raw.Augmentations,
		provenance:    raw.Provenance,
	}

	if p.facts == nil {
		p.facts = map[string]any{}
	}

	if p.augmentations == nil {
		p.augmentations = []Augmentation{}
	}

	return Verify(p)
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = copyValue(val)
		}
		return out
	default:
		return x
	}
}
